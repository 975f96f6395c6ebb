package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/lineage/internal/api"
	"github.com/joescharf/lineage/internal/daemon"
	webui "github.com/joescharf/lineage/internal/ui"
)

// serveStopTimeout bounds how long stop waits for the server to exit
// before it is killed.
const serveStopTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API and event stream",
	Long: `Run the HTTP server in the foreground.

Routes live under /api/v1; change events stream over the /ws websocket.
Use 'lineage serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().String("addr", "", "Listen address (default from serve.addr)")
	_ = viper.BindPFlag("serve.addr", serveCmd.PersistentFlags().Lookup("addr"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(stateDir(), "lineage-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(stateDir(), "lineage-serve.log")
}

// serveHandler mounts the report browser at /reports/ next to the API.
func serveHandler() (http.Handler, error) {
	reports, err := webui.Handler(reportDir())
	if err != nil {
		return nil, fmt.Errorf("report browser: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /reports/", http.StripPrefix("/reports", reports))
	mux.Handle("/", api.NewServer(eng, reportGenerator(eng)).Router())
	return mux, nil
}

// serveRun serves until the context is cancelled or a shutdown signal arrives.
func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := getEngine(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr := viper.GetString("serve.addr")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	pf := pidFile()
	if err := pf.Acquire(ln.Addr().String()); err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = pf.Release() }()

	handler, err := serveHandler()
	if err != nil {
		_ = ln.Close()
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ui.Success("Serving lineage API at http://%s", ln.Addr())
	slog.Info("server started", "addr", ln.Addr().String(), "db", dbPath())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// serveStartRun re-executes the binary as a detached `serve` process that
// logs to serveLogPath.
func serveStartRun() error {
	pf := pidFile()
	if info, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d, %s)", info.PID, info.Addr)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	args := []string{"serve", "--addr", viper.GetString("serve.addr")}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if verbose {
		args = append(args, "--verbose")
	}

	if dryRun {
		ui.DryRunMsg("Would start %s %v (log: %s)", exe, args, serveLogPath())
		return nil
	}

	if err := os.MkdirAll(stateDir(), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	// Wait for the child to claim the PID file.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, running := pf.IsRunning(); running && info.PID == pid {
			ui.Success("Server started (pid %d) at http://%s", pid, info.Addr)
			ui.Info("Log: %s", serveLogPath())
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server did not start; see %s", serveLogPath())
}

func serveStopRun() error {
	pf := pidFile()
	info, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("server not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", info.PID)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}
	deadline := time.Now().Add(serveStopTimeout)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			_ = pf.Remove()
			ui.Success("Server stopped (pid %d)", info.PID)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	ui.Warning("Server did not exit within %s; killing pid %d", serveStopTimeout, info.PID)
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = pf.Remove()
	return nil
}

func serveStatusRun() error {
	info, running := pidFile().IsRunning()
	status := map[string]any{"running": running}
	if running {
		status["pid"] = info.PID
		status["addr"] = info.Addr
	}
	return printResult(status, func() {
		if !running {
			ui.Info("Server not running")
			return
		}
		ui.Success("Server running (pid %d) at http://%s", info.PID, info.Addr)
		ui.Info("Log: %s", serveLogPath())
	})
}
