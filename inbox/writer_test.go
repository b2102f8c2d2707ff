package inbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/provider/memory"
	"github.com/mixaill76/reliable-inbox/inbox/registry"
)

type orderEvent struct {
	OrderID string
}

func (o orderEvent) GetDeduplicationID() string { return o.OrderID }

func newTestInbox(t *testing.T, mode inbox.DeliveryMode, fifo bool) (*inbox.Inbox, inbox.StorageProvider) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, registry.Register[orderEvent](reg, "order_event"))
	opts, err := inbox.NewOptions(mode, inbox.WithWriteBatchSize(2))
	require.NoError(t, err)
	prov := memory.New(fifo, 30*time.Second)
	ibx, err := inbox.NewInbox("orders", prov, reg, opts, nil)
	require.NoError(t, err)
	return ibx, prov
}

func TestWriterWriteUnregisteredTypeFails(t *testing.T) {
	ibx, _ := newTestInbox(t, inbox.Default, false)
	w := inbox.NewWriter(ibx, nil)

	err := w.Write(context.Background(), struct{ X int }{X: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, inbox.ErrTypeNotRegistered)
}

func TestWriterWriteNilIsNoop(t *testing.T) {
	ibx, _ := newTestInbox(t, inbox.Default, false)
	w := inbox.NewWriter(ibx, nil)
	assert.NoError(t, w.Write(context.Background(), nil))
}

func TestWriterWriteBatchPersistsMessages(t *testing.T) {
	ibx, prov := newTestInbox(t, inbox.Default, false)
	w := inbox.NewWriter(ibx, nil)

	err := w.WriteBatch(context.Background(), []any{
		orderEvent{OrderID: "a"},
		orderEvent{OrderID: "b"},
		orderEvent{OrderID: "c"},
	})
	require.NoError(t, err)

	msgs, err := prov.ReadAndCapture(context.Background(), "capturer-1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestWriterWriteBatchDedupsWithinBatch(t *testing.T) {
	ibx, prov := newTestInbox(t, inbox.Default, false)
	w := inbox.NewWriter(ibx, nil)

	err := w.WriteBatch(context.Background(), []any{
		orderEvent{OrderID: "dup"},
		orderEvent{OrderID: "dup"},
	})
	require.NoError(t, err)

	msgs, err := prov.ReadAndCapture(context.Background(), "capturer-1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestWriterFIFORequiresGroupID(t *testing.T) {
	ibx, _ := newTestInbox(t, inbox.FIFO, true)
	w := inbox.NewWriter(ibx, nil)

	err := w.Write(context.Background(), orderEvent{OrderID: "no-group"})
	require.Error(t, err)
	var invalid *inbox.InvalidMessageError
	assert.ErrorAs(t, err, &invalid)
}
