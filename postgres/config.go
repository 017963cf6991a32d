package postgres

import (
	"context"
	"fmt"
	"net"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

type Config struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string

	// Schema holds the collection tables.
	// Default: public
	Schema string
}

// DSN returns the connection URL for cfg. Credentials are escaped.
func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}

	return u.String()
}

// Connect opens a pgx backed pool for cfg and checks that the server answers.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgresql. %s", err.Error())
	}

	return New(db, cfg.Schema), nil
}
