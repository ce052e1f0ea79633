package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldops/patrolsync/internal/auth"
	"github.com/fieldops/patrolsync/internal/capture"
	"github.com/fieldops/patrolsync/internal/config"
	"github.com/fieldops/patrolsync/internal/connectivity"
	"github.com/fieldops/patrolsync/internal/database"
	"github.com/fieldops/patrolsync/internal/events"
	"github.com/fieldops/patrolsync/internal/geofence"
	"github.com/fieldops/patrolsync/internal/logging"
	"github.com/fieldops/patrolsync/internal/patrol"
	"github.com/fieldops/patrolsync/internal/records"
	"github.com/fieldops/patrolsync/internal/server"
	"github.com/fieldops/patrolsync/internal/syncer"
	"github.com/fieldops/patrolsync/internal/timeclock"
	"github.com/fieldops/patrolsync/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "patrol-agent",
		Short: "Offline-first patrol sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("control-address", defaults.GetString("control.address"), "Local control API listen address")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Backend base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Background sync interval in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("user-id", defaults.GetString("operator.user_id"), "Operator user identifier")
	cmd.PersistentFlags().String("device-id", defaults.GetString("operator.device_id"), "Device identifier")
	cmd.PersistentFlags().String("control-token", "", "Control API bearer token (overrides env)")

	bindFlag(cmd, "control.address", "control-address")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "operator.user_id", "user-id")
	bindFlag(cmd, "operator.device_id", "device-id")
	bindFlag(cmd, "control.token", "control-token")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	userID, err := records.NewUserID(appConfig.UserID)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := records.NewStore(records.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	recovered, err := store.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Info("recovered interrupted uploads", zap.Int64("count", recovered))
	}

	monitor := connectivity.NewMonitor()
	engine := geofence.NewEngine(appConfig.GeofenceRadiusMeters)
	dispatcher := events.NewDispatcher()
	session := auth.NewSession(auth.SessionConfig{Clock: time.Now})

	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Tokens:  session,
		Timeout: appConfig.HTTPTimeout,
	})
	if err != nil {
		return err
	}

	ids := records.NewUUIDProvider()

	strategies := []syncer.Strategy{
		syncer.NewLocationStrategy(store, client, appConfig.LocationBatchSize),
		syncer.NewTimeRecordStrategy(store, client, appConfig.LocationBatchSize),
		syncer.NewReportStrategy(store, client, appConfig.LocationBatchSize),
		syncer.NewVerificationStrategy(store, client, appConfig.LocationBatchSize),
		syncer.NewPhotoStrategy(store, client, dispatcher, logger, appConfig.LocationBatchSize),
	}

	runners := make([]syncer.Runner, 0, len(strategies))
	for _, strategy := range strategies {
		orchestrator, err := syncer.NewOrchestrator(syncer.OrchestratorConfig{
			Store:      store,
			Oracle:     monitor,
			Strategy:   strategy,
			Dispatcher: dispatcher,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		runners = append(runners, orchestrator)
	}

	scheduler := syncer.NewScheduler(syncer.SchedulerConfig{
		Interval:   appConfig.SyncInterval,
		BackoffCap: appConfig.BackoffCap,
		Runners:    runners,
		Logger:     logger,
	})

	catalog, err := syncer.NewCatalog(syncer.CatalogConfig{
		Store:  store,
		Client: client,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	machine, err := patrol.NewMachine(patrol.MachineConfig{
		Store:      store,
		Engine:     engine,
		Dispatcher: dispatcher,
		IDProvider: ids,
		Clock:      time.Now,
		UserID:     userID,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	timeClock, err := timeclock.NewService(timeclock.ServiceConfig{
		Store:      store,
		IDProvider: ids,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	captureService, err := capture.NewService(capture.ServiceConfig{
		Store:           store,
		Engine:          engine,
		Dispatcher:      dispatcher,
		IDProvider:      ids,
		Clock:           time.Now,
		MaxReportLength: appConfig.MaxReportLength,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		ControlToken: appConfig.ControlToken,
		UserID:       userID,
		Scheduler:    scheduler,
		Catalog:      catalog,
		Login:        &sessionLogin{client: client, session: session, deviceID: appConfig.DeviceID},
		Session:      session,
		Patrol:       machine,
		TimeClock:    timeClock,
		Capture:      captureService,
		Store:        store,
		Monitor:      monitor,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(signalCtx)

	httpServer := &http.Server{
		Addr:    appConfig.ControlAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control api starting", zap.String("address", appConfig.ControlAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// sessionLogin exchanges operator credentials for a backend token and stores
// it on the shared session so subsequent uploads carry it.
type sessionLogin struct {
	client   *transport.Client
	session  *auth.Session
	deviceID string
}

func (l *sessionLogin) Login(ctx context.Context, username, password string) error {
	token, err := l.client.Login(ctx, username, password, l.deviceID)
	if err != nil {
		return err
	}
	return l.session.SetToken(token)
}
