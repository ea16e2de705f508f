package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/kinto-dx/dx/internal/database"
	"github.com/kinto-dx/dx/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) *database.Config {
	cfg := database.DefaultConfig(url)
	cfg.Driver = database.DriverMySQL
	cfg.User = "dx"
	cfg.Password = "secret"
	cfg.ConnectionTimeout = 2 * time.Second
	return cfg
}

func TestNew_FromJDBCURL(t *testing.T) {
	c, err := New(testConfig("jdbc:mysql://db.internal:3307/kinto?charset=utf8mb4"))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "tcp", c.mcfg.Net)
	assert.Equal(t, "db.internal:3307", c.mcfg.Addr)
	assert.Equal(t, "kinto", c.mcfg.DBName)
	assert.Equal(t, "dx", c.mcfg.User)
	assert.Equal(t, "secret", c.mcfg.Passwd)
	assert.Equal(t, 2*time.Second, c.mcfg.Timeout)
	assert.True(t, c.mcfg.ParseTime)
}

func TestNew_DefaultPort(t *testing.T) {
	c, err := New(testConfig("mysql://localhost/kinto"))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "localhost:3306", c.mcfg.Addr)
}

func TestNew_NativeDSN(t *testing.T) {
	cfg := testConfig("root:pw@tcp(127.0.0.1:3306)/kinto")
	cfg.Password = ""

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "dx", c.mcfg.User)
	assert.Equal(t, "pw", c.mcfg.Passwd)
	assert.Equal(t, "127.0.0.1:3306", c.mcfg.Addr)
}

func TestNew_InvalidURL(t *testing.T) {
	for _, raw := range []string{"mysql:///kinto", "not a dsn"} {
		_, err := New(testConfig(raw))
		require.Error(t, err, raw)
		assert.True(t, errs.IsInvalidConfig(err), raw)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	c, err := New(testConfig("mysql://127.0.0.1:1/kinto"))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsConnectionFailed(err) || errs.IsTimeout(err), "got %v", err)
}

func TestIsoLevel(t *testing.T) {
	assert.Equal(t, sql.LevelRepeatableRead, isoLevel(database.RepeatableRead))
	assert.Equal(t, sql.LevelReadCommitted, isoLevel(database.ReadCommitted))
	assert.Equal(t, sql.LevelReadUncommitted, isoLevel(database.ReadUncommitted))
	assert.Equal(t, sql.LevelSerializable, isoLevel(database.Serializable))
}

func TestIsBadConn(t *testing.T) {
	assert.True(t, isBadConn(driver.ErrBadConn))
	assert.True(t, isBadConn(mysql.ErrInvalidConn))
	assert.True(t, isBadConn(sql.ErrConnDone))
	assert.False(t, isBadConn(sql.ErrNoRows))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.ErrKind
	}{
		{"deadline", context.DeadlineExceeded, errs.ErrKindTimeout},
		{"no rows", sql.ErrNoRows, errs.ErrKindNotFound},
		{"access denied", &mysql.MySQLError{Number: 1045, Message: "Access denied"}, errs.ErrKindConnectionFailed},
		{"unknown database", &mysql.MySQLError{Number: 1049}, errs.ErrKindConnectionFailed},
		{"too many connections", &mysql.MySQLError{Number: 1040}, errs.ErrKindConnectionFailed},
		{"table access denied", &mysql.MySQLError{Number: 1142}, errs.ErrKindPermissionDenied},
		{"lock wait", &mysql.MySQLError{Number: 1205}, errs.ErrKindTimeout},
		{"syntax", &mysql.MySQLError{Number: 1064}, errs.ErrKindQueryFailed},
		{"other server error", &mysql.MySQLError{Number: 1062}, errs.ErrKindQueryFailed},
		{"invalid conn", mysql.ErrInvalidConn, errs.ErrKindConnectionFailed},
		{"transport", errors.New("broken pipe"), errs.ErrKindConnectionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(tt.err, "op")
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.KindOf(err))
		})
	}
}

func TestSessionObserve_MarksBroken(t *testing.T) {
	s := &session{}
	assert.NoError(t, s.observe(nil, "op"))
	assert.False(t, s.IsClosed())

	_ = s.observe(&mysql.MySQLError{Number: 1064}, "op")
	assert.False(t, s.IsClosed())

	_ = s.observe(driver.ErrBadConn, "op")
	assert.True(t, s.IsClosed())
}
