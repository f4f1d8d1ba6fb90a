package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/rdsrotate/internal/config"
	dserrors "github.com/systmms/rdsrotate/internal/errors"
	"github.com/systmms/rdsrotate/internal/secretstore"
)

// recordingClock fires After immediately and records the requested durations.
type recordingClock struct {
	clock.Clock
	mu    sync.Mutex
	waits []time.Duration
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// cancellingClock never fires and cancels the caller's context instead.
type cancellingClock struct {
	clock.Clock
	cancel context.CancelFunc
}

func (c cancellingClock) After(time.Duration) <-chan time.Time {
	c.cancel()
	return make(chan time.Time)
}

func mysqlCred(password string) secretstore.Credential {
	return secretstore.Credential{
		Username: "admin",
		Password: password,
		Host:     "db.internal",
		Port:     3306,
		DBName:   "mysql",
	}
}

func postgresCred(password string) secretstore.Credential {
	return secretstore.Credential{
		Username: "admin",
		Password: password,
		Host:     "pg.internal",
		Port:     5432,
		DBName:   "postgres",
		Engine:   secretstore.EnginePostgres,
	}
}

type openCall struct {
	driver string
	dsn    string
}

// mockClient returns a client whose opener hands out one sqlmock handle.
func mockClient(t *testing.T, setup func(mock sqlmock.Sqlmock), opts ...Option) (*Client, *openCall) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	setup(mock)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	call := &openCall{}
	opener := func(driver, dsn string) (*sql.DB, error) {
		call.driver = driver
		call.dsn = dsn
		return db, nil
	}

	cfg := config.DatabaseConfig{ConnectTimeout: 5 * time.Second}
	opts = append([]Option{WithOpener(opener)}, opts...)
	return New(cfg, opts...), call
}

func TestApplyPasswordMySQL(t *testing.T) {
	t.Parallel()

	client, call := mockClient(t, func(mock sqlmock.Sqlmock) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`ALTER USER 'admin'@'%' IDENTIFIED BY 'n3w-pass'`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectClose()
	})

	err := client.ApplyPassword(context.Background(), mysqlCred("old-pass"), mysqlCred("n3w-pass"))
	require.NoError(t, err)

	assert.Equal(t, DriverMySQL, call.driver)
	parsed, err := mysql.ParseDSN(call.dsn)
	require.NoError(t, err)
	assert.Equal(t, "admin", parsed.User)
	assert.Equal(t, "old-pass", parsed.Passwd, "must connect with the current credential")
	assert.Equal(t, "db.internal:3306", parsed.Addr)
	assert.Equal(t, 5*time.Second, parsed.Timeout)
}

func TestApplyPasswordEscapesQuotes(t *testing.T) {
	t.Parallel()

	client, _ := mockClient(t, func(mock sqlmock.Sqlmock) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`ALTER USER 'admin'@'%' IDENTIFIED BY 'it\'s\\x'`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectClose()
	})

	err := client.ApplyPassword(context.Background(), mysqlCred("old"), mysqlCred(`it's\x`))
	require.NoError(t, err)
}

func TestApplyPasswordPostgres(t *testing.T) {
	t.Parallel()

	client, call := mockClient(t, func(mock sqlmock.Sqlmock) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`ALTER USER "admin" WITH PASSWORD 'it''s'`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectClose()
	})

	err := client.ApplyPassword(context.Background(), postgresCred("old"), postgresCred("it's"))
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, call.driver)
	u, err := url.Parse(call.dsn)
	require.NoError(t, err)
	assert.Equal(t, "pg.internal:5432", u.Host)
	assert.Equal(t, "/postgres", u.Path)
	pass, _ := u.User.Password()
	assert.Equal(t, "old", pass)
	assert.Equal(t, "5", u.Query().Get("connect_timeout"))
}

func TestApplyPasswordFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		setupMock     func(mock sqlmock.Sqlmock)
		errorContains string
	}{
		{
			name: "begin_failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(fmt.Errorf("connection lost"))
				mock.ExpectClose()
			},
			errorContains: "begin transaction",
		},
		{
			name: "exec_failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("ALTER USER").WillReturnError(fmt.Errorf("Error 1396: Operation ALTER USER failed"))
				mock.ExpectRollback()
				mock.ExpectClose()
			},
			errorContains: "execute password change",
		},
		{
			name: "commit_failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("ALTER USER").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectCommit().WillReturnError(fmt.Errorf("commit failed"))
				mock.ExpectClose()
			},
			errorContains: "commit password change",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clk := &recordingClock{}
			client, _ := mockClient(t, tt.setupMock, WithClock(clk))

			err := client.ApplyPassword(context.Background(), mysqlCred("old"), mysqlCred("new"))
			require.Error(t, err)
			assert.ErrorIs(t, err, dserrors.ErrDatabaseMutation)
			assert.Contains(t, err.Error(), tt.errorContains)
			assert.Empty(t, clk.waits, "no grace wait after a failed change")
		})
	}
}

func TestApplyPasswordOpenFailure(t *testing.T) {
	t.Parallel()

	opener := func(driver, dsn string) (*sql.DB, error) {
		return nil, fmt.Errorf("dial tcp 10.0.0.1:3306: connect: connection refused")
	}
	client := New(config.DatabaseConfig{}, WithOpener(opener))

	err := client.ApplyPassword(context.Background(), mysqlCred("old"), mysqlCred("new"))
	require.Error(t, err)
	assert.ErrorIs(t, err, dserrors.ErrDatabaseMutation)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestErrorsDoNotLeakPasswords(t *testing.T) {
	t.Parallel()

	opener := func(driver, dsn string) (*sql.DB, error) {
		return nil, fmt.Errorf("invalid DSN: %s", dsn)
	}
	client := New(config.DatabaseConfig{}, WithOpener(opener))

	err := client.ApplyPassword(context.Background(), mysqlCred("old-secret-pw"), mysqlCred("new-secret-pw"))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "old-secret-pw")
	assert.Contains(t, err.Error(), "[REDACTED]")

	err = client.VerifyConnection(context.Background(), mysqlCred("new-secret-pw"))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "new-secret-pw")
	assert.ErrorIs(t, err, dserrors.ErrVerification)
}

func TestApplyPasswordWaitsReplicationGrace(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectExec("ALTER USER").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	clk := &recordingClock{}
	client := New(
		config.DatabaseConfig{ReplicationGrace: 10 * time.Second},
		WithOpener(func(string, string) (*sql.DB, error) { return db, nil }),
		WithClock(clk),
	)

	require.NoError(t, client.ApplyPassword(context.Background(), mysqlCred("old"), mysqlCred("new")))
	assert.Equal(t, []time.Duration{10 * time.Second}, clk.waits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPasswordGraceCancelled(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectExec("ALTER USER").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := New(
		config.DatabaseConfig{ReplicationGrace: time.Minute},
		WithOpener(func(string, string) (*sql.DB, error) { return db, nil }),
		WithClock(cancellingClock{cancel: cancel}),
	)

	err = client.ApplyPassword(ctx, mysqlCred("old"), mysqlCred("new"))
	require.Error(t, err)
	assert.ErrorIs(t, err, dserrors.ErrDatabaseMutation)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifyConnection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		setupMock   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "select_returns_one",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
				mock.ExpectClose()
			},
		},
		{
			name: "select_returns_other_value",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(2))
				mock.ExpectClose()
			},
			expectError: true,
		},
		{
			name: "query_fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1").WillReturnError(fmt.Errorf("server has gone away"))
				mock.ExpectClose()
			},
			expectError: true,
		},
		{
			name: "no_rows",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}))
				mock.ExpectClose()
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, call := mockClient(t, tt.setupMock)
			err := client.VerifyConnection(context.Background(), mysqlCred("secret"))

			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, dserrors.ErrVerification)
				return
			}
			require.NoError(t, err)
			parsed, perr := mysql.ParseDSN(call.dsn)
			require.NoError(t, perr)
			assert.Equal(t, "secret", parsed.Passwd)
		})
	}
}

func TestVerifyConnectionRejected(t *testing.T) {
	t.Parallel()

	opener := func(driver, dsn string) (*sql.DB, error) {
		return nil, &mysql.MySQLError{Number: 1045, Message: "Access denied for user 'admin'@'10.0.0.5'"}
	}
	client := New(config.DatabaseConfig{}, WithOpener(opener))

	err := client.VerifyConnection(context.Background(), mysqlCred("wrong"))
	require.Error(t, err)
	assert.ErrorIs(t, err, dserrors.ErrVerification)
	assert.Contains(t, err.Error(), "1045")
}

// fakeServer accepts logins only with its current password and changes it
// when it sees ALTER USER.
type fakeServer struct {
	t        *testing.T
	mu       sync.Mutex
	password string
}

var identifiedBy = regexp.MustCompile(`IDENTIFIED BY '((?:[^'\\]|\\.)*)'`)

func (s *fakeServer) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password
}

func (s *fakeServer) open(driver, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(s.t, err)
	if cfg.Passwd != s.current() {
		return nil, &mysql.MySQLError{Number: 1045, Message: "Access denied for user '" + cfg.User + "'"}
	}

	matcher := sqlmock.QueryMatcherFunc(func(expectedSQL, actualSQL string) error {
		if !strings.HasPrefix(actualSQL, expectedSQL) {
			return fmt.Errorf("%q does not start with %q", actualSQL, expectedSQL)
		}
		if m := identifiedBy.FindStringSubmatch(actualSQL); m != nil {
			s.mu.Lock()
			s.password = unquoteMySQL(m[1])
			s.mu.Unlock()
		}
		return nil
	})

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(matcher))
	require.NoError(s.t, err)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectBegin()
	mock.ExpectExec("ALTER USER").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	return db, nil
}

func unquoteMySQL(s string) string {
	r := strings.NewReplacer(`\0`, "\x00", `\n`, "\n", `\r`, "\r", `\\`, `\`, `\'`, `'`, `\"`, `"`, `\Z`, "\032")
	return r.Replace(s)
}

func TestApplyThenVerifyAgainstServer(t *testing.T) {
	t.Parallel()

	server := &fakeServer{t: t, password: "old-pass"}
	client := New(config.DatabaseConfig{}, WithOpener(server.open))
	ctx := context.Background()

	current := mysqlCred("old-pass")
	next := mysqlCred(`n3w'p@ss\word`)

	require.NoError(t, client.VerifyConnection(ctx, current))
	require.NoError(t, client.ApplyPassword(ctx, current, next))
	assert.Equal(t, next.Password, server.current())

	assert.NoError(t, client.VerifyConnection(ctx, next))
	assert.ErrorIs(t, client.VerifyConnection(ctx, current), dserrors.ErrVerification)

	// A second apply with the old credential can no longer log in.
	assert.ErrorIs(t, client.ApplyPassword(ctx, current, next), dserrors.ErrDatabaseMutation)
}

func TestQuoteMySQLString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"plain", `'plain'`},
		{`it's`, `'it\'s'`},
		{`back\slash`, `'back\\slash'`},
		{`say "hi"`, `'say \"hi\"'`},
		{"nul\x00byte", `'nul\0byte'`},
		{"line\nbreak\r", `'line\nbreak\r'`},
		{"ctrl\032z", `'ctrl\Zz'`},
		{"", `''`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, QuoteMySQLString(tt.in), "input %q", tt.in)
		assert.Equal(t, tt.in, unquoteMySQL(strings.Trim(QuoteMySQLString(tt.in), "'")), "round trip %q", tt.in)
	}
}

func TestDSNDefaultsTimeout(t *testing.T) {
	t.Parallel()

	client := New(config.DatabaseConfig{})
	driver, dsn := client.DSN(mysqlCred("pw"))
	assert.Equal(t, DriverMySQL, driver)

	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConnectTimeout, parsed.Timeout)
	assert.Empty(t, parsed.DBName)
}
