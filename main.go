package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/camden-git/eventgallery/config"
	"github.com/camden-git/eventgallery/database"
	"github.com/camden-git/eventgallery/handlers"
	"github.com/camden-git/eventgallery/media"
	"github.com/camden-git/eventgallery/progress"
	"github.com/camden-git/eventgallery/realtime"
	"github.com/camden-git/eventgallery/recognition"
	"github.com/camden-git/eventgallery/repository"
	"github.com/camden-git/eventgallery/services"
	"github.com/camden-git/eventgallery/source"
	"github.com/camden-git/eventgallery/workers"
)

var (
	cfg        config.Config
	db         *gorm.DB
	closeLog   func() error
	skipSchema bool
)

var rootCmd = &cobra.Command{
	Use:   "eventgallery",
	Short: "Event photo gallery ingestion and face processing backend",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil {
			slog.Info("no .env file loaded", "error", err)
		}
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		var logger *slog.Logger
		logger, closeLog = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)

		db, err = database.InitGormDB(cfg, database.Options{})
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		if closeLog != nil {
			_ = closeLog()
		}
	},
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return database.AutoMigrateModels(db)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipSchema, "skip-migrate", false, "do not migrate the schema on startup")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	if !skipSchema {
		if err := database.AutoMigrateModels(db); err != nil {
			return err
		}
	}

	var awsOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	rec := recognition.NewRekognition(awsCfg, cfg.MaxFacesPerImage)

	var (
		store      media.Store
		localStore *media.LocalStorage
	)
	switch cfg.StorageBackend {
	case config.StorageS3:
		store = media.NewS3Storage(awsCfg, cfg.S3Bucket, cfg.PresignTTL)
		slog.Info("using S3 media storage", "bucket", cfg.S3Bucket)
	default:
		localStore, err = media.NewLocalStorage(cfg.MediaStoragePath, cfg.PublicMediaBaseURL)
		if err != nil {
			return err
		}
		store = localStore
	}

	var progressStore progress.Store
	switch cfg.ProgressBackend {
	case config.ProgressRedis:
		redisStore, err := progress.NewRedisStore(ctx, progress.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.ProgressTTL,
		})
		if err != nil {
			return err
		}
		defer redisStore.Close()
		progressStore = redisStore
		slog.Info("using redis progress store", "addr", cfg.RedisAddr)
	default:
		progressStore = progress.NewMemoryStore()
	}

	var folderSource source.Source
	if cfg.DriveAPIKey != "" || cfg.DriveCredentialsFile != "" {
		drive, err := source.NewDrive(ctx, cfg.DriveAPIKey, cfg.DriveCredentialsFile)
		if err != nil {
			return err
		}
		folderSource = drive
	} else {
		slog.Warn("no Google Drive credentials configured, bulk import is disabled")
	}

	hub := realtime.NewHub()
	go hub.Run(ctx)

	executor := workers.NewExecutor()
	repos := repository.New(db)

	pipeline := services.NewPipeline(repos, rec, store, hub, services.PipelineOptions{
		CollectionPrefix: cfg.CollectionPrefix,
		ClusterThreshold: cfg.ClusterSimilarityThreshold,
		MatchThreshold:   cfg.MatchSimilarityThreshold,
		DetectionMaxSize: cfg.DetectionMaxSize,
		Pacing: workers.BackoffPolicy{
			InitialDelay:     cfg.DetectionDelay,
			MaxDelay:         cfg.ImportMaxDelay,
			FailureThreshold: cfg.ImportFailureThreshold,
		},
	})
	galleries := services.NewGalleryService(repos, store, rec, pipeline, executor, services.GalleryOptions{
		Production: cfg.IsProduction(),
		PresignTTL: cfg.PresignTTL,
		Progress:   progressStore,
	})
	imports := services.NewImportService(galleries, folderSource, progressStore, hub, services.ImportOptions{
		Batch: workers.BatchConfig{Policy: workers.BackoffPolicy{
			InitialDelay:     cfg.ImportInitialDelay,
			MaxDelay:         cfg.ImportMaxDelay,
			FailureThreshold: cfg.ImportFailureThreshold,
		}},
	})

	if err := galleries.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted galleries: %w", err)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Galleries:      galleries,
		Imports:        imports,
		Hub:            hub,
		LocalMedia:     localStore,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", server.Addr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		executor.Stop()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	// running pipelines are cancelled and their galleries marked failed;
	// imports put the gallery back to its previous status
	executor.Stop()
	slog.Info("server stopped")
	return nil
}
