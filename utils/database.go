package utils

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zhifu/donation-pay/logging"
	"github.com/zhifu/donation-pay/models"
)

// DatabaseOptions selects and tunes the gorm dialector.
type DatabaseOptions struct {
	Driver          string // "mysql" (default) or "sqlite"
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	DSN             string // sqlite path, or a full MySQL DSN overriding the fields above
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string // silent, error, warn, info
}

func (o DatabaseOptions) dialector() (gorm.Dialector, error) {
	switch o.Driver {
	case "", "mysql":
		dsn := o.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
				o.User, o.Password, o.Host, o.Port, o.DBName)
		}
		return mysql.Open(dsn), nil
	case "sqlite":
		dsn := o.DSN
		if dsn == "" {
			dsn = "file::memory:"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", o.Driver)
	}
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Error
	}
}

// InitDatabase opens the database and sizes its connection pool.
func InitDatabase(opts DatabaseOptions) (*gorm.DB, error) {
	dialector, err := opts.dialector()
	if err != nil {
		return nil, err
	}

	logging.Info("Connecting to database",
		zap.String("driver", dialector.Name()),
		zap.String("host", opts.Host),
		zap.Int("port", opts.Port),
		zap.String("dbname", opts.DBName),
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(opts.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialector.Name(), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if opts.Driver == "sqlite" {
		// one writer; also keeps an in-memory database alive across calls
		sqlDB.SetMaxOpenConns(1)
	} else {
		if opts.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
		sqlDB.SetConnMaxIdleTime(30 * time.Minute)
	}

	logging.Info("Database connection successful")
	return db, nil
}

// MigrateDatabase creates or alters the engine's tables.
func MigrateDatabase(db *gorm.DB) error {
	logging.Info("Starting database migration")
	err := db.AutoMigrate(
		&models.Donation{},
		&models.Campaign{},
		&models.Payment{},
		&models.PaymentAttempt{},
		&models.GatewayConfig{},
		&models.WebhookEvent{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logging.Info("Database migration completed")
	return nil
}
