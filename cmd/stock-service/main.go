package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/medflow/stockflow-backend/internal/inventory/barcode"
	"github.com/medflow/stockflow-backend/internal/inventory/classification"
	"github.com/medflow/stockflow-backend/internal/inventory/client"
	"github.com/medflow/stockflow-backend/internal/inventory/consumers"
	"github.com/medflow/stockflow-backend/internal/inventory/events"
	"github.com/medflow/stockflow-backend/internal/inventory/handler"
	"github.com/medflow/stockflow-backend/internal/inventory/reorder"
	"github.com/medflow/stockflow-backend/internal/inventory/repository"
	"github.com/medflow/stockflow-backend/internal/inventory/service"
	"github.com/medflow/stockflow-backend/pkg/actor"
	"github.com/medflow/stockflow-backend/pkg/cache"
	"github.com/medflow/stockflow-backend/pkg/config"
	"github.com/medflow/stockflow-backend/pkg/database"
	"github.com/medflow/stockflow-backend/pkg/httputil"
	"github.com/medflow/stockflow-backend/pkg/logger"
	"github.com/medflow/stockflow-backend/pkg/messaging"
)

const serviceName = "stock-service"

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(serviceName, cfg.Server.Environment)
	log.Info().Str("storage", cfg.Storage.Driver).Msg("starting Stock Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components := service.Components{
		Barcode: barcode.Config{
			MinConfidence: cfg.Barcode.MinConfidence,
			DecodeTimeout: cfg.Barcode.DecodeTimeout,
			MaxFrameBytes: int(cfg.Barcode.MaxFrameBytes),
		},
		SessionTTL:     cfg.Sessions.IdleTTL,
		Classification: classification.FromSettings(cfg.Classification, cfg.Redis.LockTTL),
		Reorder:        reorder.FromSettings(cfg.Reorder),
	}

	// Storage
	health := map[string]func(context.Context) interface{}{}
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := database.New(&cfg.Database, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if cfg.Storage.Migrate {
			if err := db.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to apply migrations")
			}
		}

		components.Ledger = repository.NewLedgerRepository(db)
		components.Catalog = repository.NewCatalogRepository(db)
		components.Snapshots = repository.NewSnapshotRepository(db)
		health["database"] = func(ctx context.Context) interface{} { return db.Health(ctx) }
	default:
		log.Warn().Msg("using in-memory storage; stock is lost on restart")
		components.Ledger = repository.NewMemoryStore()
		components.Catalog = repository.NewMemoryCatalog()
		components.Snapshots = repository.NewMemorySnapshotStore()
	}

	// Recompute lock shared across replicas
	if cfg.Redis.Address != "" {
		rdb, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		components.Locker = cache.NewRedisLocker(rdb, serviceName)
	}

	if cfg.Services.CostingServiceURL != "" {
		components.Costs = client.NewCostingClient(cfg.Services.CostingServiceURL, cfg.Services.CostingTimeout, log)
	}

	// Messaging
	var rmq *messaging.RabbitMQ
	if cfg.RabbitMQ.URL != "" {
		rmq, err = messaging.New(ctx, &cfg.RabbitMQ, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer rmq.Close()

		publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeInventoryEvents, serviceName, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		components.Events = events.NewStockEventPublisher(publisher, events.DefaultBuffer, log)
		health["rabbitmq"] = func(context.Context) interface{} { return rmq.Health() }
	}

	asm, err := service.Assemble(ctx, components, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble stock service")
	}
	asm.Service.Start(ctx)

	if rmq != nil {
		issueConsumer, err := consumers.NewIssueRequestConsumer(rmq, asm.Ledger, asm.Barcodes, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create issue request consumer")
		}
		if err := issueConsumer.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start issue request consumer")
		}
	}

	// Create router
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(httputil.CORS(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"status":  "healthy",
			"service": serviceName,
		}
		for name, check := range health {
			status[name] = check(r.Context())
		}
		httputil.JSON(w, http.StatusOK, status)
	})

	r.Group(func(r chi.Router) {
		r.Use(actor.Middleware(actor.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)))
		r.Route(handler.BasePath, handler.Routes(asm.Service, cfg.Barcode.MaxFrameBytes, log))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Stop consumers, then drain the engines and the event queue
	cancel()
	asm.Service.Stop()
	if components.Events != nil {
		components.Events.Close()
	}

	log.Info().Msg("server stopped")
}
