package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	DBDriverSQLite   = "sqlite"
	DBDriverPostgres = "postgres"

	StorageLocal = "local"
	StorageS3    = "s3"

	ProgressMemory = "memory"
	ProgressRedis  = "redis"
)

const (
	defaultClusterThreshold   = 90.0
	defaultMatchThreshold     = 85.0
	defaultMaxFacesPerImage   = 100
	defaultDetectionMaxSize   = 1920
	defaultImportInitialDelay = 50 * time.Millisecond
	defaultImportMaxDelay     = 10 * time.Second
	defaultFailureThreshold   = 3
	defaultDetectionDelay     = 100 * time.Millisecond
	defaultPresignTTL         = 15 * time.Minute
	defaultProgressTTL        = 24 * time.Hour
)

type Config struct {
	Environment string
	Port        string

	// durable store
	DBDriver     string
	DatabasePath string // sqlite file
	DatabaseDSN  string // postgres dsn

	// object storage
	StorageBackend     string
	MediaStoragePath   string // root for the local backend
	PublicMediaBaseURL string // url prefix the local backend hands out for reads
	S3Bucket           string
	AWSRegion          string
	PresignTTL         time.Duration

	// recognition service
	CollectionPrefix           string
	ClusterSimilarityThreshold float32
	MatchSimilarityThreshold   float32
	MaxFacesPerImage           int
	DetectionMaxSize           int // longest side in px sent for detection
	DetectionDelay             time.Duration

	// bulk import pacing
	ImportInitialDelay     time.Duration
	ImportMaxDelay         time.Duration
	ImportFailureThreshold int

	// live progress
	ProgressBackend string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ProgressTTL     time.Duration

	// bulk file source
	DriveAPIKey          string
	DriveCredentialsFile string

	CORSAllowedOrigins []string

	LogFile  string
	LogLevel slog.Level
}

// IsProduction reports whether destructive maintenance endpoints must stay disabled.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < 0 {
		slog.Warn("invalid integer setting, using default", "key", envVar, "value", valStr, "default", defaultVal, "error", err)
		return defaultVal
	}
	return val
}

func getEnvFloatOrDefault(envVar string, defaultVal float64) float64 {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil || val <= 0 || val > 100 {
		slog.Warn("invalid percentage setting, using default", "key", envVar, "value", valStr, "default", defaultVal, "error", err)
		return defaultVal
	}
	return val
}

func getEnvDurationOrDefault(envVar string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil || val < 0 {
		slog.Warn("invalid duration setting, using default", "key", envVar, "value", valStr, "default", defaultVal, "error", err)
		return defaultVal
	}
	return val
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func LoadConfig() (Config, error) {
	mediaStorage := getEnvOrDefault("MEDIA_STORAGE_PATH", filepath.Join(".", "media_storage"))
	absMediaStorage, err := filepath.Abs(mediaStorage)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for media storage '%s': %w", mediaStorage, err)
	}

	cfg := Config{
		Environment: getEnvOrDefault("APP_ENV", EnvDevelopment),
		Port:        getEnvOrDefault("PORT", "8080"),

		DBDriver:     strings.ToLower(getEnvOrDefault("DB_DRIVER", DBDriverSQLite)),
		DatabasePath: getEnvOrDefault("DATABASE_PATH", "gallery.db"),
		DatabaseDSN:  os.Getenv("DATABASE_DSN"),

		StorageBackend:     strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", StorageLocal)),
		MediaStoragePath:   absMediaStorage,
		PublicMediaBaseURL: strings.TrimRight(getEnvOrDefault("PUBLIC_MEDIA_BASE_URL", "/api/media"), "/"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		AWSRegion:          os.Getenv("AWS_REGION"),
		PresignTTL:         getEnvDurationOrDefault("PRESIGN_TTL", defaultPresignTTL),

		CollectionPrefix:           getEnvOrDefault("COLLECTION_PREFIX", "gallery"),
		ClusterSimilarityThreshold: float32(getEnvFloatOrDefault("CLUSTER_SIMILARITY_THRESHOLD", defaultClusterThreshold)),
		MatchSimilarityThreshold:   float32(getEnvFloatOrDefault("MATCH_SIMILARITY_THRESHOLD", defaultMatchThreshold)),
		MaxFacesPerImage:           getEnvIntOrDefault("MAX_FACES_PER_IMAGE", defaultMaxFacesPerImage),
		DetectionMaxSize:           getEnvIntOrDefault("DETECTION_MAX_SIZE", defaultDetectionMaxSize),
		DetectionDelay:             getEnvDurationOrDefault("DETECTION_DELAY", defaultDetectionDelay),

		ImportInitialDelay:     getEnvDurationOrDefault("IMPORT_INITIAL_DELAY", defaultImportInitialDelay),
		ImportMaxDelay:         getEnvDurationOrDefault("IMPORT_MAX_DELAY", defaultImportMaxDelay),
		ImportFailureThreshold: getEnvIntOrDefault("IMPORT_FAILURE_THRESHOLD", defaultFailureThreshold),

		ProgressBackend: strings.ToLower(getEnvOrDefault("PROGRESS_BACKEND", ProgressMemory)),
		RedisAddr:       getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getEnvIntOrDefault("REDIS_DB", 0),
		ProgressTTL:     getEnvDurationOrDefault("PROGRESS_TTL", defaultProgressTTL),

		DriveAPIKey:          os.Getenv("GOOGLE_DRIVE_API_KEY"),
		DriveCredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),

		CORSAllowedOrigins: splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),

		LogFile:  getEnvOrDefault("LOG_FILE", "gallery.log"),
		LogLevel: parseLogLevel(getEnvOrDefault("LOG_LEVEL", "INFO")),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DBDriver {
	case DBDriverSQLite:
	case DBDriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER '%s'", c.DBDriver)
	}

	switch c.StorageBackend {
	case StorageLocal:
	case StorageS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND '%s'", c.StorageBackend)
	}

	if c.ProgressBackend != ProgressMemory && c.ProgressBackend != ProgressRedis {
		return fmt.Errorf("unsupported PROGRESS_BACKEND '%s'", c.ProgressBackend)
	}
	if c.ImportFailureThreshold < 1 {
		return fmt.Errorf("IMPORT_FAILURE_THRESHOLD must be at least 1")
	}
	if c.ImportMaxDelay < c.ImportInitialDelay {
		return fmt.Errorf("IMPORT_MAX_DELAY (%s) is below IMPORT_INITIAL_DELAY (%s)", c.ImportMaxDelay, c.ImportInitialDelay)
	}
	return nil
}
