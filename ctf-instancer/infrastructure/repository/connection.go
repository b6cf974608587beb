package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type Config struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Database   string
	SQLitePath string
	SchemaPath string
}

func NewConfigFromEnv() *Config {
	config := &Config{
		Driver:     getEnv("DB_DRIVER", DriverMySQL),
		Host:       getEnv("DB_HOST", "localhost"),
		Port:       getEnv("DB_PORT", "3306"),
		User:       getEnv("DB_USER", "root"),
		Password:   getEnv("DB_PASSWORD", "password"),
		Database:   getEnv("DB_NAME", "ctf_instancer_db"),
		SQLitePath: getEnv("SQLITE_PATH", "instancer.db"),
		SchemaPath: os.Getenv("SCHEMA_PATH"),
	}
	return config
}

func (c *Config) DSN() string {
	if c.Driver == DriverSQLite {
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", c.SQLitePath)
	}

	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = c.Host + ":" + c.Port
	mc.DBName = c.Database
	mc.ParseTime = true
	return mc.FormatDSN()
}

func Connect(config *Config) (*sql.DB, error) {
	driverName := "mysql"
	if config.Driver == DriverSQLite {
		driverName = "sqlite"
	}

	db, err := sql.Open(driverName, config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database", slog.String("driver", config.Driver), slog.String("database", config.Database))

	return db, nil
}

// InitSchema applies the schema for driver. An explicit schemaPath replaces
// the embedded schema.
func InitSchema(ctx context.Context, db *sql.DB, driver, schemaPath string) error {
	var (
		schemaSQL []byte
		err       error
	)
	if schemaPath != "" {
		schemaSQL, err = os.ReadFile(schemaPath)
	} else {
		schemaSQL, err = schemaFS.ReadFile("schema/" + driver + ".sql")
	}
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	statements := splitSQL(string(schemaSQL))
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}

		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	slog.Info("schema initialized", slog.String("driver", driver), slog.Int("statements", len(statements)))
	return nil
}

func splitSQL(sql string) []string {
	var statements []string
	var current string

	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		current += line + "\n"

		if strings.HasSuffix(line, ";") {
			statements = append(statements, current)
			current = ""
		}
	}

	if current != "" {
		statements = append(statements, current)
	}

	return statements
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
