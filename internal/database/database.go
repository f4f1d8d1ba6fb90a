// Package database changes and verifies database account passwords.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/clock"
	"github.com/lib/pq"
	"github.com/systmms/rdsrotate/internal/config"
	dserrors "github.com/systmms/rdsrotate/internal/errors"
	"github.com/systmms/rdsrotate/internal/logging"
	"github.com/systmms/rdsrotate/internal/secretstore"
)

// Driver names registered by the imported drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Opener opens a database handle. sql.Open satisfies it.
type Opener func(driverName, dsn string) (*sql.DB, error)

// Client applies and verifies credentials against the live database.
type Client struct {
	open             Opener
	connectTimeout   time.Duration
	replicationGrace time.Duration
	clock            clock.Clock
	logger           *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithOpener replaces sql.Open (for testing).
func WithOpener(open Opener) Option {
	return func(c *Client) {
		c.open = open
	}
}

// WithClock sets the clock used for the replication grace period.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a Client bounded by cfg's connect timeout and grace period.
func New(cfg config.DatabaseConfig, opts ...Option) *Client {
	c := &Client{
		open:             sql.Open,
		connectTimeout:   cfg.ConnectTimeout,
		replicationGrace: cfg.ReplicationGrace,
		clock:            clock.WallClock,
		logger:           logging.Discard(),
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = config.DefaultConnectTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ApplyPassword connects with current and sets the password of
// current.Username to next.Password, then waits out the replication grace
// period. Setting the same password twice is harmless, so a partial failure
// may be retried.
func (c *Client) ApplyPassword(ctx context.Context, current, next secretstore.Credential) error {
	if err := c.applyPassword(ctx, current, next); err != nil {
		err = logging.RedactError(err, current.Password, next.Password)
		c.logger.Error("Failed to change password on %s: %v", current.Address(), err)
		return dserrors.Wrap(dserrors.ErrDatabaseMutation, "", err)
	}

	if c.replicationGrace > 0 {
		c.logger.Info("Waiting %s for the password change to replicate", c.replicationGrace)
		select {
		case <-ctx.Done():
			return dserrors.Wrap(dserrors.ErrDatabaseMutation, "", ctx.Err())
		case <-c.clock.After(c.replicationGrace):
		}
	}
	return nil
}

func (c *Client) applyPassword(ctx context.Context, current, next secretstore.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	db, err := c.connect(ctx, current)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	stmt := AlterUserStatement(current, next.Password)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute password change: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit password change: %w", err)
	}

	c.logger.Info("Changed password of %s on %s", current.Username, current.Address())
	return nil
}

// VerifyConnection connects with cred and checks that SELECT 1 returns 1.
func (c *Client) VerifyConnection(ctx context.Context, cred secretstore.Credential) error {
	if err := c.verifyConnection(ctx, cred); err != nil {
		err = logging.RedactError(err, cred.Password)
		c.logger.Error("Failed to verify %s: %v", cred, err)
		return dserrors.Wrap(dserrors.ErrVerification, "", err)
	}
	c.logger.Info("Verified login as %s", cred)
	return nil
}

func (c *Client) verifyConnection(ctx context.Context, cred secretstore.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	db, err := c.connect(ctx, cred)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("liveness query failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("liveness query returned %d, expected 1", result)
	}
	return nil
}

func (c *Client) connect(ctx context.Context, cred secretstore.Credential) (*sql.DB, error) {
	driver, dsn := c.DSN(cred)

	db, err := c.open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cred.Address(), err)
	}
	return db, nil
}

// DSN returns the driver name and connection string for cred.
func (c *Client) DSN(cred secretstore.Credential) (string, string) {
	if cred.IsPostgres() {
		return DriverPostgres, postgresDSN(cred, c.connectTimeout)
	}
	return DriverMySQL, mysqlDSN(cred, c.connectTimeout)
}

func mysqlDSN(cred secretstore.Credential, timeout time.Duration) string {
	cfg := mysql.NewConfig()
	cfg.User = cred.Username
	cfg.Passwd = cred.Password
	cfg.Net = "tcp"
	cfg.Addr = cred.Address()
	cfg.Timeout = timeout
	cfg.ReadTimeout = timeout
	cfg.WriteTimeout = timeout
	return cfg.FormatDSN()
}

func postgresDSN(cred secretstore.Credential, timeout time.Duration) string {
	seconds := int(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	q := url.Values{}
	q.Set("connect_timeout", strconv.Itoa(seconds))
	q.Set("sslmode", "require")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cred.Username, cred.Password),
		Host:     cred.Address(),
		Path:     "/" + cred.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// AlterUserStatement returns the statement that sets account's password.
// MySQL accounts are matched at any host.
func AlterUserStatement(account secretstore.Credential, password string) string {
	if account.IsPostgres() {
		return fmt.Sprintf("ALTER USER %s WITH PASSWORD %s",
			pq.QuoteIdentifier(account.Username), pq.QuoteLiteral(password))
	}
	return fmt.Sprintf("ALTER USER %s@'%%' IDENTIFIED BY %s",
		QuoteMySQLString(account.Username), QuoteMySQLString(password))
}

// QuoteMySQLString returns s as a single-quoted MySQL string literal with
// backslash escapes.
func QuoteMySQLString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case '\032':
			b.WriteString(`\Z`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
