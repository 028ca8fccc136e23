package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkruthoff/membership-billing/internal"
	"github.com/dkruthoff/membership-billing/internal/account"
	"github.com/dkruthoff/membership-billing/internal/core/events"
	"github.com/dkruthoff/membership-billing/internal/ledger"
	"github.com/dkruthoff/membership-billing/internal/processor"
	"github.com/dkruthoff/membership-billing/internal/reconcile"
	"github.com/dkruthoff/membership-billing/internal/storage"
	storagepostgres "github.com/dkruthoff/membership-billing/internal/storage/postgres"
	"github.com/dkruthoff/membership-billing/internal/subscription"
	"github.com/dkruthoff/membership-billing/internal/transaction"
	"github.com/dkruthoff/membership-billing/internal/transport"
	"github.com/dkruthoff/membership-billing/internal/transport/rest"
	"github.com/dkruthoff/membership-billing/internal/webhook"
	"github.com/dkruthoff/membership-billing/pkg/logger"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server handling webhook delivery and the ops API`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config *internal.Config
	DB     *sqlx.DB
	Store  storage.Store
	Router *chi.Mux
	Logger *slog.Logger

	ProcessorClient *processor.Client
	EventBus        *events.EventBus

	WebhookHandler *webhook.Handler
	OpsHandler     *rest.OpsHandler

	IncompleteSweeper  *reconcile.IncompleteSweeper
	TransactionSweeper *reconcile.TransactionSweeper
	AccountSweeper     *reconcile.AccountSweeper
	MemberSweeper      *reconcile.MemberSubscriptionSweeper
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	rest.RegisterAllRoutes(deps.Router, deps.DB.DB, deps.WebhookHandler, deps.OpsHandler, deps.Config.Server.AllowedOrigins, deps.Logger)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)
	log := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := initGorm(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ORM: %w", err)
	}

	store := storagepostgres.NewStore(gormDB)
	eventBus := events.NewEventBus(log)

	client := processor.NewClient(processor.Config{
		BaseURL:        config.Processor.APIBaseURL,
		APIKey:         config.Processor.APIKey,
		ConnectTimeout: config.Processor.ConnectTimeout,
		RequestTimeout: config.Processor.RequestTimeout,
	}, log)

	ledgerService := ledger.NewService(log)
	accountService := account.NewService(log)
	transactionService := transaction.NewService(log, eventBus)
	subscriptionService := subscription.NewService(log, client, eventBus)

	dispatcher := webhook.NewDispatcher(log, subscriptionService, transactionService, accountService, client)

	baseHandler := transport.NewBaseHandler(log)
	webhookHandler := webhook.NewHandler(
		baseHandler,
		store,
		ledgerService,
		dispatcher,
		config.Processor.WebhookSecret,
		config.Processor.SignatureMaxSkew,
		log,
	)

	incompleteSweeper := reconcile.NewIncompleteSweeper(log, store, subscriptionService, client, config.Reconcile)
	transactionSweeper := reconcile.NewTransactionSweeper(log, store, transactionService, client, config.Reconcile)
	accountSweeper := reconcile.NewAccountSweeper(log, store, transactionService, client, config.Reconcile)
	memberSweeper := reconcile.NewMemberSubscriptionSweeper(log, store, subscriptionService, client)

	opsHandler := rest.NewOpsHandler(
		baseHandler,
		store,
		subscriptionService,
		incompleteSweeper,
		transactionSweeper,
		accountSweeper,
		memberSweeper,
		log,
	)

	return &Dependencies{
		Config:          config,
		DB:              db,
		Store:           store,
		Router:          chi.NewRouter(),
		Logger:          log,
		ProcessorClient: client,
		EventBus:        eventBus,
		WebhookHandler:  webhookHandler,
		OpsHandler:      opsHandler,

		IncompleteSweeper:  incompleteSweeper,
		TransactionSweeper: transactionSweeper,
		AccountSweeper:     accountSweeper,
		MemberSweeper:      memberSweeper,
	}, nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm layers the ORM over the existing pgx connection pool so both see
// the same pool limits.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(gormpostgres.New(gormpostgres.Config{
		Conn: db.DB,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}
