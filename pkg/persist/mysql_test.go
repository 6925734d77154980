package persist

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs only against a real server: CIPHER_TEST_MYSQL_DSN=user:pass@tcp(host:3306)/db?parseTime=true
func TestGormKVMySQL(t *testing.T) {
	dsn := os.Getenv("CIPHER_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("CIPHER_TEST_MYSQL_DSN not set")
	}
	kv, err := OpenMySQL(dsn)
	require.NoError(t, err)
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "test_key", []byte("one")))
	require.NoError(t, kv.Set(ctx, "test_key", []byte("two")))
	v, ok, err := kv.Get(ctx, "test_key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", string(v))
	require.NoError(t, kv.Delete(ctx, "test_key"))
}
