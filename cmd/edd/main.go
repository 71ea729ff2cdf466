// edd runs the Earthdata download coordination service
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/earthdata-download/edd/internal/config"
	"github.com/earthdata-download/edd/internal/credentials"
	"github.com/earthdata-download/edd/internal/gateway"
	"github.com/earthdata-download/edd/internal/links"
	"github.com/earthdata-download/edd/internal/logger"
	"github.com/earthdata-download/edd/internal/registry"
	"github.com/earthdata-download/edd/internal/session"
	"github.com/earthdata-download/edd/internal/shutdown"
	"github.com/earthdata-download/edd/internal/storage"
	"github.com/earthdata-download/edd/internal/transfer"
	"github.com/earthdata-download/edd/internal/version"
)

var (
	configPath string
	envFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "edd",
		Short: "Earthdata download coordination service",
		Long: `edd queues Earthdata file downloads, runs them with a global
concurrency limit and reports their progress over HTTP and websocket.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the download service",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Delete every download and file record",
			RunE:  runReset,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version.Get().FullString())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Manager, *config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, nil, err
	}
	mgr := config.NewManager()
	if configPath != "" {
		mgr = config.NewManagerWithPath(configPath)
	}
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, err
	}
	return mgr, cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.NewStore(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	prefs := storage.DefaultPreferences()
	prefs.ConcurrentDownloads = cfg.Download.ConcurrentDownloads
	prefs.DefaultDownloadLocation = cfg.Download.DefaultLocation
	if err := store.MigrateDatabase(ctx, prefs); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Println("database is up to date")
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.DeleteAllDownloads(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("all downloads deleted")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.InitLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize logger: %v\n", err)
		log = logger.GetLogger()
	}
	log.Infof("edd %s starting", version.Get())
	log.Infof("config file: %s", configMgr.GetConfigPath())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	creds := credentials.NewManager(store, log)
	transferer := transfer.NewHTTPTransferer(afero.NewOsFs(), creds, transfer.HTTPConfig{
		UserAgent: cfg.Download.UserAgent,
		Timeout:   time.Duration(cfg.Download.Timeout) * time.Second,
	}, log)
	classifier := session.NewPatternClassifier(cfg.Download.AuthURLPatterns, cfg.Download.EulaURLPatterns)
	hub := gateway.NewHub(log)

	sess, err := session.New(session.Deps{
		Store:      store,
		Registry:   registry.New(log),
		Transferer: transferer,
		Classifier: classifier,
		Notifier:   gateway.NewNotifier(hub),
		Tokens:     creds,
		Logger:     log,
	}, session.Config{
		ProgressWriteInterval: time.Duration(cfg.Download.ProgressWriteInterval) * time.Millisecond,
		ResumeOnStartup:       cfg.Download.ResumeOnStartup,
		AllowInsecureLinks:    cfg.Download.AllowInsecureLinks,
	})
	if err != nil {
		store.Close()
		return err
	}

	srv, err := gateway.NewServer(gateway.Deps{
		Hub:         hub,
		Session:     sess,
		Credentials: creds,
		Cookies:     transferer,
		Links:       links.NewClient(links.Config{UserAgent: cfg.Download.UserAgent}, log),
		Classifier:  classifier,
		Logger:      log,
	}, gateway.ConfigFrom(cfg))
	if err != nil {
		store.Close()
		return err
	}

	if err := sess.Reconcile(ctx); err != nil {
		store.Close()
		return fmt.Errorf("failed to reconcile downloads: %w", err)
	}
	if err := srv.ResumeDiscovery(ctx); err != nil {
		log.WithError(err).Warn("failed to resume link discovery")
	}

	go func() {
		err := configMgr.Watch(ctx, func(next *config.Config, err error) {
			if err != nil {
				log.WithError(err).Warn("config reload failed")
				return
			}
			srv.ApplyConfig(next)
		})
		if err != nil {
			log.WithError(err).Warn("config watcher stopped")
		}
	}()

	shutdownMgr := shutdown.NewManager(10*time.Second, log)
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}, shutdown.PriorityCritical)
	shutdownMgr.Register("transfers", func(ctx context.Context) error {
		cancel()
		sess.Suspend()
		return nil
	}, shutdown.PriorityHigh)
	shutdownMgr.Register("store", func(ctx context.Context) error {
		return store.Close()
	}, shutdown.PriorityNormal)
	shutdownMgr.Register("logger", func(ctx context.Context) error {
		log.Info("logger closed")
		return log.Close()
	}, shutdown.PriorityLow)

	if err := srv.Start(); err != nil {
		shutdownMgr.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}
	shutdownMgr.Start()

	fmt.Printf("edd listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println("press Ctrl+C to stop")

	<-shutdownMgr.Done()
	shutdownMgr.Wait()
	fmt.Println("edd stopped")
	return nil
}
