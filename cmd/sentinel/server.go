package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sentinel/internal/api"
	"github.com/kalambet/sentinel/internal/config"
	"github.com/kalambet/sentinel/internal/pipeline"
	"github.com/kalambet/sentinel/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the review service (HTTP API, MCP server and review workers)",
	RunE: func(cmd *cobra.Command, args []string) error {
		skipPull, _ := cmd.Flags().GetBool("skip-pull")
		return runServer(skipPull)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running review service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		err = server.NewStdioServer(a.mcpServer()).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("skip-pull", false, "do not pull missing models from a self-hosted backend")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "sentinel.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// serverURL is the address local clients use to reach the API.
func serverURL(cfg config.ServerConfig) string {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

func runServer(skipPull bool) error {
	fmt.Fprintf(os.Stderr, "sentinel version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg.Server) + "/health"); err == nil {
		resp.Body.Close()
		printWarning("sentinel is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if !skipPull {
		if err := a.ensureModels(ctx); err != nil {
			return err
		}
	}

	if n, err := a.store.RequeueRunning(); err != nil {
		return fmt.Errorf("requeueing interrupted jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted reviews", "count", n)
	}

	sched := pipeline.NewScheduler(a.runner)
	w := worker.NewWorker(a.store, sched, 0)

	apiSrv := &http.Server{
		Addr: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler: api.NewHandler(api.Deps{
			Store:         a.store,
			Feedback:      a.feedback(),
			Token:         cfg.Server.Token,
			WebhookSecret: cfg.Server.WebhookSecret,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var mcpHandler http.Handler = server.NewStreamableHTTPServer(a.mcpServer(), server.WithStateLess(true))
	if cfg.Server.Token != "" {
		mcpHandler = api.BearerAuth(cfg.Server.Token)(mcpHandler)
	}
	mcpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.MCPPort)),
		Handler:           mcpHandler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.Start(gctx, cfg.Review.Workers)
		return nil
	})
	for name, srv := range map[string]*http.Server{"api": apiSrv, "mcp": mcpSrv} {
		g.Go(func() error {
			slog.Info("listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(apiSrv.Shutdown(shutdownCtx), mcpSrv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("sentinel is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop sentinel (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to sentinel (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(serverURL(cfg.Server) + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d (MCP on %d)", cfg.Server.Port, cfg.Server.MCPPort)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s via %s", cfg.Model.Name, cfg.Model.Provider)
	printStatus("Embedding", "%s via %s", cfg.Embedding.Model, cfg.Embedding.Provider)
	printStatus("Jira", "%s", enabledLabel(cfg.Jira))
	printStatus("Confluence", "%s", enabledLabel(cfg.Confluence))

	if running {
		c, err := newAPIClient()
		if err == nil {
			runs, err := c.recentRuns(context.Background(), "", 100)
			if err == nil {
				printStatus("Recent runs", "%s", countLabel(len(runs), 100))
			}
		}
	}

	recorder := "sqlite"
	if cfg.Storage.PostgresURL != "" {
		recorder = "postgres"
	}
	printStatus("Recorder", "%s", recorder)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func enabledLabel(s config.SourceConfig) string {
	if s.Enabled() {
		return s.BaseURL
	}
	return "disabled"
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
