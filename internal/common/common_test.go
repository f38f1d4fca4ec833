package common

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyError(t *testing.T) {
	assert.False(t, IsDuplicateKeyError(nil))
	assert.True(t, IsDuplicateKeyError(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyError(fmt.Errorf("create: %w", &mysql.MySQLError{Number: 1062})))
	assert.False(t, IsDuplicateKeyError(&mysql.MySQLError{Number: 1045}))
	assert.True(t, IsDuplicateKeyError(errors.New("constraint failed: UNIQUE constraint failed: user.email (2067)")))
	assert.False(t, IsDuplicateKeyError(errors.New("database is locked")))
}

func TestGenerateNumericCode(t *testing.T) {
	code, err := GenerateNumericCode(6)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9')
	}
}

func TestCalculateHash(t *testing.T) {
	a := CalculateHash("key", "123456", 1)
	b := CalculateHash("key", "123456", 1)
	c := CalculateHash("other", "123456", 1)
	assert.True(t, HashEqual(a, b))
	assert.False(t, HashEqual(a, c))
	assert.Empty(t, CalculateHash("key"))
	assert.NotEqual(t, CalculateHash("key", "ab", "c"), CalculateHash("key", "a", "bc"))
	assert.Equal(t, CalculateHash("key", []byte("abc")), CalculateHash("key", "abc"))
}

func TestHealthCheckMux(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	db, err := gorm.Open(sqlite.Open("file:healthcheck?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	mux := newHealthCheckMux(rdb, db, prometheus.NewRegistry())
	for _, path := range []string{"/livez", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	mr.Close()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
