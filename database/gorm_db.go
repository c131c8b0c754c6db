package database

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/camden-git/eventgallery/config"
	"github.com/camden-git/eventgallery/models"
)

// sqlite connection parameters understood by the mattn driver. foreign keys
// must be on per connection for the cascade constraints to fire.
const sqlitePragmas = "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"

// Options tunes how a connection is opened.
type Options struct {
	LogLevel logger.LogLevel
}

// InitGormDB opens the durable store selected by cfg.DBDriver.
func InitGormDB(cfg config.Config, opts Options) (*gorm.DB, error) {
	if opts.LogLevel == 0 {
		opts.LogLevel = logger.Warn
	}
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  opts.LogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case config.DBDriverPostgres:
		dialector = postgres.Open(cfg.DatabaseDSN)
	default:
		dialector = sqlite.Open(SQLiteDSN(cfg.DatabasePath))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database using GORM: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB from GORM: %w", err)
	}

	if cfg.DBDriver == config.DBDriverPostgres {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	} else {
		// one writer at a time; WAL readers go through the same handle
		sqlDB.SetMaxOpenConns(1)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	slog.Info("database initialized", "driver", cfg.DBDriver)
	return db, nil
}

// SQLiteDSN appends the connection pragmas to a sqlite file path.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + sqlitePragmas
}

// AutoMigrateModels creates or updates the gallery schema.
func AutoMigrateModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Gallery{},
		&models.GalleryImage{},
		&models.DetectedFace{},
		&models.FaceCluster{},
		&models.Participant{},
	)
	if err != nil {
		return fmt.Errorf("GORM AutoMigrate failed: %w", err)
	}
	slog.Info("database schema migrated")
	return nil
}
