package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/ledgerdrive/internal/api/handlers"
	"github.com/dvloznov/ledgerdrive/internal/api/middleware"
	"github.com/dvloznov/ledgerdrive/internal/auth"
	"github.com/dvloznov/ledgerdrive/internal/config"
	"github.com/dvloznov/ledgerdrive/internal/drive"
	"github.com/dvloznov/ledgerdrive/internal/extract"
	"github.com/dvloznov/ledgerdrive/internal/ledger"
	"github.com/dvloznov/ledgerdrive/internal/logger"
	"github.com/dvloznov/ledgerdrive/internal/store"
	"github.com/dvloznov/ledgerdrive/internal/transient"
)

func main() {
	// Initialize logger
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.TransientBucket == "" {
		log.Warn().Msg("No transient bucket configured - file-based extraction cleanup will fail")
	}

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DatabasePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	// The model API key is managed through the admin panel; absence only
	// disables extraction, not the whole service.
	geminiKey, err := st.GetSecret(ctx, store.SecretGeminiAPIKey)
	if err != nil {
		log.Warn().Msg("Model API key is not configured in the admin panel - extraction calls will fail")
	}

	credentials := auth.NewManager(st, cfg.TokenURL, log)
	driveClient := drive.NewClient(cfg.DriveEndpoint, log)
	transientStore := transient.NewStore(cfg.TransientBucket)

	orchestrator := extract.NewOrchestrator(
		extract.NewGeminiModel(geminiKey, cfg.ModelName),
		transientStore,
		log,
	)

	// Ledger appends are read-modify-write of one shared file; the engine
	// serializes them through a single writer.
	engine := ledger.NewEngine(driveClient, cfg.LedgerFileName, 100, log)

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	engine.Start(engineCtx)

	// Initialize handlers
	extractionHandler := handlers.NewExtractionHandler(orchestrator, log)
	stagingHandler := handlers.NewStagingHandler(transientStore, log)
	attachmentsHandler := handlers.NewAttachmentsHandler(credentials, driveClient, cfg.DriveFolderName, log)
	ledgerHandler := handlers.NewLedgerHandler(credentials, driveClient, engine, st, cfg.DriveFolderName, log)
	credentialsHandler := handlers.NewCredentialsHandler(credentials, log)

	// API routes require a verified caller identity.
	apiMux := http.NewServeMux()

	apiMux.HandleFunc("/api/extract", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			extractionHandler.Extract(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	apiMux.HandleFunc("/api/extract/stage", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			stagingHandler.Stage(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	apiMux.HandleFunc("/api/attachments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			attachmentsHandler.Upload(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	apiMux.HandleFunc("/api/attachments/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			attachmentsHandler.UploadBatch(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	apiMux.HandleFunc("/api/ledger/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			ledgerHandler.Sync(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	apiMux.HandleFunc("/api/credentials/exchange", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			credentialsHandler.Exchange(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", middleware.Auth(st, log)(apiMux))

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// Apply middleware
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(mux),
			),
		),
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the ledger writer and wait for the in-flight append.
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping ledger engine")
	}

	log.Info().Msg("Server exited")
}
