package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"formflip/admin"
	"formflip/analytics"
	"formflip/backoffice"
	"formflip/cache"
	"formflip/common"
	"formflip/config"
	"formflip/database"
	"formflip/email"
	"formflip/forms"
	"formflip/logging"
	"formflip/provider"
	"formflip/public"
	"formflip/repository"
	"formflip/signal"
	"formflip/site"
	"formflip/tracing"
)

const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:           "formflip",
	Short:         "Form builder with shareable public forms",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (default)",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database tables and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString("formflip: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := common.ConnectDb(cfg.Database, cfg.Dev, logger)
	if err != nil {
		return err
	}
	if err := database.RunMigrations(db, logger); err != nil {
		return err
	}

	analyticsDB, err := common.ConnectAnalyticsDb(cfg.Database, db, cfg.Dev, logger)
	if err != nil {
		return err
	}
	// migrates the event table
	analytics.NewModule(analyticsDB, logger)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET is not set")
	}

	ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.TraceEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	db, err := common.ConnectDb(cfg.Database, cfg.Dev, logger)
	if err != nil {
		return err
	}
	if err := database.RunMigrations(db, logger); err != nil {
		return err
	}
	analyticsDB, err := common.ConnectAnalyticsDb(cfg.Database, db, cfg.Dev, logger)
	if err != nil {
		return err
	}

	store := cache.New(cfg.Cache.TTL)
	opts := []forms.Option{forms.WithInvalidator(store)}

	var repo repository.FormRepository
	var purger backoffice.UserPurger
	switch cfg.Backend.Kind {
	case config.BackendProvider:
		client := provider.New(cfg.Backend.URL, cfg.Backend.APIKey, cfg.Backend.ProjectID, logger)
		providerRepo := repository.NewProviderRepository(db, client, logger)
		repo, purger = providerRepo, providerRepo
		opts = append(opts, forms.WithStableSchemaKeys())
	default:
		repo = repository.NewGormRepository(db)
	}
	logger.Info("form storage selected", zap.String("backend", cfg.Backend.Kind))

	analyticsModule := analytics.NewModule(analyticsDB, logger)
	defer analyticsModule.Wait()
	opts = append(opts, forms.WithListener(analyticsModule))

	var broker signal.Broker
	if cfg.Redis.Addr != "" {
		rdb := signal.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rdb.Close()
		broker = signal.NewRedisBroker(rdb, logger)
		logger.Info("publishing submission events to redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		broker = signal.NewLocalBroker()
	}
	signals := signal.NewListener(broker, logger)
	defer signals.Wait()
	opts = append(opts, forms.WithListener(signals))

	notifier := email.NewNotifier(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     strconv.Itoa(cfg.SMTP.Port),
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Domain:   cfg.Domain,
	}, db, logger)
	if notifier != nil {
		defer notifier.Wait()
		opts = append(opts, forms.WithListener(notifier))
	}

	svc := forms.NewService(repo, logger, opts...)

	if !cfg.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logging.Middleware(logger))

	sessionStore := cookie.NewStore([]byte(cfg.SessionSecret))
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   !cfg.Dev,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions("formflip-session", sessionStore))

	admin.NewModule(db, svc, analyticsModule, broker, logger).RegisterRoutes(router)
	public.NewModule(svc, store, analyticsModule, logger).RegisterRoutes(router)
	site.NewModule(db, cfg.Domain, logger).RegisterRoutes(router)
	backoffice.NewModule(db, store, purger, cfg.Backoffice, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown failed")
	}
	return nil
}
