package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"sitecache/internal/contact"
	"sitecache/internal/sitecache"
)

var (
	configPath string
	verbose    bool
	syncAddr   string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sitecache",
	Short: "Offline-first cache and contact endpoint for the company site",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the site through the offline cache",
	RunE:  runServe,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and activate the configured cache generation, then exit",
	Long: `Precaches the manifest into the configured generation and purges older
generations. Run it before "serve" to ship a warm cache; it needs exclusive
access to the data directory.`,
	RunE: runInstall,
}

var syncCmd = &cobra.Command{
	Use:   "sync [tag]",
	Short: "Fire a background sync on a running server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSync,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("SITECACHE_CONFIG", "/sitecache.yaml"), "path to sitecache.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	syncCmd.Flags().StringVar(&syncAddr, "addr", "", "server address (default: localhost and the configured port)")

	rootCmd.AddCommand(serveCmd, installCmd, syncCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := sitecache.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc, err := sitecache.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	outbox, err := contact.OpenOutbox(filepath.Join(cfg.Storage.Dir, "outbox"))
	if err != nil {
		return err
	}
	defer outbox.Close()

	var fwd *contact.Forwarder
	if cfg.Contact.Forward != "" {
		fwd = &contact.Forwarder{URL: cfg.Contact.Forward, Client: &http.Client{Timeout: cfg.Timeout()}}
	}
	syncer := contact.NewSyncer(fwd, outbox, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/contact", contact.NewHandler(fwd, outbox, cfg.Contact.SimulateDelayDuration(), logger))
	mux.Handle("/__sync/", syncer.Handler())
	mux.Handle("/", svc.Handler())

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sitecache listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("cache", cfg.Cache.Name()),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-svc.Ready():
			if err != nil {
				logger.Warn("initial install failed, requests pass through", zap.Error(err))
			}
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		if err := svc.WatchConfig(gctx, configPath); err != nil {
			logger.Warn("config watch disabled", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		syncer.Run(gctx, cfg.Contact.SyncEveryDuration())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := sitecache.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := sitecache.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	select {
	case err := <-svc.Ready():
		if err != nil {
			return fmt.Errorf("install %s: %w", cfg.Cache.Name(), err)
		}
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s active\n", cfg.Cache.Name())
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	tag := contact.SyncTag
	if len(args) == 1 {
		tag = args[0]
	}
	addr := syncAddr
	if addr == "" {
		cfg, err := sitecache.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, addr+"/__sync/"+tag, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sync %s: %w", tag, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync %s: status %d: %s", tag, resp.StatusCode, body)
	}
	_, err = cmd.OutOrStdout().Write(body)
	return err
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
