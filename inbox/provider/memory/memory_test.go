package memory_test

import (
	"testing"
	"time"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/provider/contracttest"
	"github.com/mixaill76/reliable-inbox/inbox/provider/memory"
)

func TestProviderDefault(t *testing.T) {
	contracttest.Run(t, func(t *testing.T) inbox.StorageProvider {
		return memory.New(false, 30*time.Second)
	}, contracttest.Options{FIFO: false})
}

func TestProviderFIFO(t *testing.T) {
	contracttest.Run(t, func(t *testing.T) inbox.StorageProvider {
		return memory.New(true, 30*time.Second)
	}, contracttest.Options{FIFO: true})
}
