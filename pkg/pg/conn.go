package pg

import (
	"database/sql"
	"fmt"
	"time"
)

type Config struct {
	User     string `env:"USER"`
	Host     string `env:"HOST"`
	Port     string `env:"PORT"`
	Password string `env:"PASSWORD"`
	Database string `env:"DBNAME"`
	SSLMode  string `env:"SSLMODE"`

	// zero keeps the database/sql defaults
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the key/value connection string understood by both pgx and lib/pq.
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.Host, c.User, c.Password, c.Database, c.Port, sslMode)
}

func (c Config) applyPool(db *sql.DB) {
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
		db.SetMaxIdleConns(c.MaxOpenConns / 2)
	}
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
}

// newSqlConnection opens a lib/pq handle for goose.
func newSqlConnection(config Config) (*sql.DB, error) {
	return sql.Open("postgres", config.DSN())
}
