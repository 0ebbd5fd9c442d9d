package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

// SetDB replaces the global handle. Used by the CLI and tests.
func SetDB(conn *gorm.DB) {
	db = conn
}

func init() {
	// Load env from .env
	godotenv.Load()
	// Do NOT block startup in init() waiting for DB.
}

// DatabaseDriver returns DB_DRIVER, defaulting to mysql.
func DatabaseDriver() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DB_DRIVER")))
	if v == "" {
		return DriverMySQL
	}
	return v
}

func mysqlDSN() string {
	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")

	network := "tcp"
	address := fmt.Sprintf("%s:%s", dbHost, dbPort)

	// Cloud SQL: DB_HOST=/cloudsql/<CONNECTION_NAME> connects over the proxy's unix socket.
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network = "unix"
		address = dbHost
	}

	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true",
		dbUser,
		dbPassword,
		network,
		address,
		dbName,
	)
}

func openDialector() gorm.Dialector {
	if DatabaseDriver() == DriverSQLite {
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "ecocoins.db"
		}
		return sqlite.Open(path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	}
	return mysql.Open(mysqlDSN())
}

// ConnectDatabaseWithRetry connects and sets the global DB.
// Call this from main() AFTER the HTTP server is listening.
func ConnectDatabaseWithRetry() {
	var attempt int
	for {
		attempt++
		var err error
		db, err = gorm.Open(openDialector(), initConfig())
		if err == nil {
			// Env overrides (optional):
			// - DB_MAX_OPEN_CONNS (default 50)
			// - DB_MAX_IDLE_CONNS (default 25)
			// - DB_CONN_MAX_LIFETIME_SECONDS (default 300)
			// - DB_CONN_MAX_IDLE_TIME_SECONDS (default 60)
			if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
				maxOpen := intFromEnv("DB_MAX_OPEN_CONNS", 50)
				maxIdle := intFromEnv("DB_MAX_IDLE_CONNS", 25)
				connMaxLife := time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second
				connMaxIdle := time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second

				// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY.
				if DatabaseDriver() == DriverSQLite {
					maxOpen = 1
				}
				if maxOpen > 0 {
					sqlDB.SetMaxOpenConns(maxOpen)
				}
				if maxIdle >= 0 {
					sqlDB.SetMaxIdleConns(maxIdle)
				}
				if connMaxLife > 0 {
					sqlDB.SetConnMaxLifetime(connMaxLife)
				}
				if connMaxIdle > 0 {
					sqlDB.SetConnMaxIdleTime(connMaxIdle)
				}
			}

			if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
				log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
			}
			log.Printf("connected to database (driver=%s attempt=%d)", DatabaseDriver(), attempt)
			return
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

// OpenSQLite opens an sqlite database with a single connection.
// "file:<name>?mode=memory&cache=shared" gives an isolated in-memory DB per name.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(sqlite.Open(dsn), initConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return conn, nil
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
	}
}

func initLog() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:                  false,
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
