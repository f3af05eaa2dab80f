package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/viddrop/viddrop/internal/bot"
	"github.com/viddrop/viddrop/internal/database"
	"github.com/viddrop/viddrop/internal/file"
	"github.com/viddrop/viddrop/internal/geoip"
	"github.com/viddrop/viddrop/internal/ingest"
	"github.com/viddrop/viddrop/internal/link"
	"github.com/viddrop/viddrop/internal/server"
	"github.com/viddrop/viddrop/internal/storage"
	"github.com/viddrop/viddrop/internal/sweep"
)

func main() {
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")
	devMode := getEnv("DEV_MODE", "false") == "true"

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	encryptionKey := os.Getenv("LINK_ENCRYPTION_KEY")
	if encryptionKey == "" && !devMode {
		log.Fatal("LINK_ENCRYPTION_KEY is required (set DEV_MODE=true to run with an ephemeral key)")
	}

	codec, err := link.NewCodec(encryptionKey, devMode)
	if err != nil {
		log.Fatalf("link codec initialization failed: %v", err)
	}
	if encryptionKey == "" {
		log.Println("WARNING: running with an ephemeral link key; links die with the process")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(databaseURL); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}
	log.Println("database migrations applied")

	blobs, err := newBlobStorage(ctx)
	if err != nil {
		log.Fatalf("storage initialization failed: %v", err)
	}

	baseURL := getEnv("BASE_URL", "http://localhost:"+port)
	linkTTL := getEnvDuration("LINK_TTL", 2*time.Hour)
	retention := getEnvDuration("RETENTION_WINDOW", 2*time.Hour)
	sweepInterval := getEnvDuration("SWEEP_INTERVAL", 10*time.Minute)
	maxUploadBytes := getEnvInt64("MAX_UPLOAD_BYTES", 2*1024*1024*1024)

	fileHandler := file.NewHandler(db.Pool, blobs, codec)
	if path := os.Getenv("GEOIP_DB_PATH"); path != "" {
		resolver, err := geoip.New(path)
		if err != nil {
			log.Printf("geoip disabled: %v", err)
		} else {
			fileHandler.SetGeoResolver(resolver)
			log.Println("geoip lookups enabled")
		}
	}

	srv := server.New(server.Config{
		Pinger:      db,
		FileHandler: fileHandler,
		KeyPresent:  encryptionKey != "" || devMode,
		BaseURL:     baseURL,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweep.New(db.Pool, blobs, retention).Start(workerCtx, sweepInterval)

	botToken := os.Getenv("SLACK_BOT_TOKEN")
	appToken := os.Getenv("SLACK_APP_TOKEN")
	if botToken != "" && appToken != "" {
		ingestor := ingest.New(db.Pool, blobs, codec, baseURL, linkTTL, maxUploadBytes)
		b := bot.New(botToken, appToken, ingestor, maxUploadBytes)
		go func() {
			if err := b.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("bot stopped: %v", err)
			}
		}()
		log.Println("chat bot connected")
	} else {
		log.Println("SLACK_BOT_TOKEN/SLACK_APP_TOKEN not set, chat bot disabled")
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("viddrop listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-shutdownCh
	log.Println("shutting down...")
	workerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
	log.Println("shutdown complete")
}

// newBlobStorage picks S3 when S3_ENDPOINT is configured, local disk otherwise.
func newBlobStorage(ctx context.Context) (file.BlobStorage, error) {
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		s3, err := storage.NewS3(ctx, storage.S3Config{
			Endpoint:  endpoint,
			Bucket:    getEnv("S3_BUCKET", "viddrop"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Region:    getEnv("S3_REGION", "eu-central-1"),
		})
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("bucket check: %w", err)
		}
		log.Println("S3 storage ready")
		return s3, nil
	}

	dataDir := getEnv("DATA_DIR", "./data")
	disk, err := storage.NewDisk(dataDir)
	if err != nil {
		return nil, err
	}
	log.Printf("disk storage ready at %s", dataDir)
	return disk, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
