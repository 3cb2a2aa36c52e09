package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/balanceo/finflow/internal/config"
	"github.com/balanceo/finflow/internal/db"
	"github.com/balanceo/finflow/internal/export"
	"github.com/balanceo/finflow/internal/ingestion"
	"github.com/balanceo/finflow/internal/middleware"
	"github.com/balanceo/finflow/internal/objectstore"
	"github.com/balanceo/finflow/internal/repository"
	"github.com/balanceo/finflow/internal/rules"
	"github.com/balanceo/finflow/internal/transform"

	"github.com/rs/cors"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	conn, err := db.NewConnection(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.DB.URL()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	store, err := objectstore.NewGCS(ctx, cfg.Storage.Bucket)
	if err != nil {
		log.Fatalf("Failed to create object store client: %v", err)
	}
	defer store.Close()

	// Create repositories
	jobRepo := repository.NewJobRepository(conn.Pool)
	stagingRepo := repository.NewStagingRowRepository(conn.Pool)
	rejectRepo := repository.NewRejectedRowRepository(conn.Pool)
	logRepo := repository.NewJobLogRepository(conn.Pool)

	trigger := transform.NewTrigger(conn.Pool, cfg.Pipeline.TransformTimeout)

	service := ingestion.NewService(
		jobRepo,
		stagingRepo,
		rejectRepo,
		logRepo,
		store,
		trigger,
		ingestion.Config{
			ErrorCap:         cfg.Pipeline.ErrorCap,
			QualityThreshold: cfg.Pipeline.QualityThreshold,
			BatchBytes:       cfg.Pipeline.BatchBytes,
			RejectSampleSize: cfg.Pipeline.RejectSampleSize,
			DownloadTimeout:  cfg.Pipeline.DownloadTimeout,
		},
	)
	service.UseCrossChecks(rules.DefaultChecks())

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	exportService := export.NewService(jobRepo, rejectRepo)
	jobsHandler := middleware.LoggingMiddleware(
		ingestion.NewHTTPHandler(service, jobRepo, logRepo,
			export.NewHTTPHandler(exportService), exportService),
	)

	mux := http.NewServeMux()
	mux.Handle("/api/jobs", corsHandler.Handler(jobsHandler))
	mux.Handle("/api/jobs/", corsHandler.Handler(jobsHandler))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting ingestion server on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
