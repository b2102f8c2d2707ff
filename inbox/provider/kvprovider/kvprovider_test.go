//go:build integration

// Contract tests for the key-value backend run only when pointed at a
// real Redis instance (TEST_REDIS_ADDR); see DESIGN.md for why the
// in-memory backend carries the default (non-gated) contract-test run.
package kvprovider

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/provider/contracttest"
)

func TestContract_NonFIFO(t *testing.T) {
	rdb := mustClient(t)
	defer rdb.Close()

	contracttest.Run(t, func(t *testing.T) inbox.StorageProvider {
		name := fmt.Sprintf("kvtest_%d", time.Now().UnixNano())
		return New(rdb, name, false, time.Second, time.Hour)
	}, contracttest.Options{FIFO: false})
}

func TestContract_FIFO(t *testing.T) {
	rdb := mustClient(t)
	defer rdb.Close()

	contracttest.Run(t, func(t *testing.T) inbox.StorageProvider {
		name := fmt.Sprintf("kvtest_fifo_%d", time.Now().UnixNano())
		return New(rdb, name, true, time.Second, time.Hour)
	}, contracttest.Options{FIFO: true})
}

func mustClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	require.NotEmpty(t, addr)
	return redis.NewClient(&redis.Options{Addr: addr})
}
