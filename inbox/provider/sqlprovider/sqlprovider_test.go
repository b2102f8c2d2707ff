//go:build integration

// Contract tests for the relational backend run only when pointed at a
// real Postgres instance (TEST_DATABASE_URL), since this exercise has
// no database to spin up: see DESIGN.md for why the in-memory backend
// carries the default (non-gated) contract-test run instead.
package sqlprovider

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/provider/contracttest"
)

func TestContract_NonFIFO(t *testing.T) {
	pool := mustPool(t)
	defer pool.Close()

	contracttest.Run(t, func(t *testing.T) inbox.StorageProvider {
		name := fmt.Sprintf("sqltest_%d", time.Now().UnixNano())
		p, err := New(pool, name, false, time.Second)
		require.NoError(t, err)
		require.NoError(t, p.Migrate(context.Background()))
		return p
	}, contracttest.Options{FIFO: false})
}

func TestContract_FIFO(t *testing.T) {
	pool := mustPool(t)
	defer pool.Close()

	contracttest.Run(t, func(t *testing.T) inbox.StorageProvider {
		name := fmt.Sprintf("sqltest_fifo_%d", time.Now().UnixNano())
		p, err := New(pool, name, true, time.Second)
		require.NoError(t, err)
		require.NoError(t, p.Migrate(context.Background()))
		return p
	}, contracttest.Options{FIFO: true})
}

func mustPool(t *testing.T) *Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := NewPool(context.Background(), url, 1, 4)
	require.NoError(t, err)
	return pool
}
