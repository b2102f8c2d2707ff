package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/reliable-inbox/inbox/registry"
)

type plainPayload struct {
	Value string
}

type richPayload struct {
	ID          string
	GroupKey    string
	CollapseKey string
	DedupKey    string
	At          time.Time
}

func (r richPayload) GetID() string              { return r.ID }
func (r richPayload) GetGroupID() string         { return r.GroupKey }
func (r richPayload) GetCollapseKey() string     { return r.CollapseKey }
func (r richPayload) GetDeduplicationID() string { return r.DedupKey }
func (r richPayload) GetReceivedAt() time.Time   { return r.At }

func TestRegisterAndLookup(t *testing.T) {
	r := registry.New()
	require.NoError(t, registry.Register[plainPayload](r, "plain"))

	assert.True(t, r.IsRegistered("plain"))
	assert.False(t, r.IsRegistered("unknown"))

	v, ok := r.NewByMessageType("plain")
	require.True(t, ok)
	_, isPlain := v.(*plainPayload)
	assert.True(t, isPlain)

	name, ok := r.TypeNameFor(plainPayload{})
	require.True(t, ok)
	assert.Equal(t, "plain", name)
}

func TestRegisterDuplicateTypeRejected(t *testing.T) {
	r := registry.New()
	require.NoError(t, registry.Register[plainPayload](r, "plain"))
	err := registry.Register[plainPayload](r, "other-name")
	assert.Error(t, err)
}

func TestRegisterDuplicateNameRejected(t *testing.T) {
	r := registry.New()
	require.NoError(t, registry.Register[plainPayload](r, "same"))
	err := registry.Register[richPayload](r, "same")
	assert.Error(t, err)
}

func TestExtractPullsEveryTrait(t *testing.T) {
	r := registry.New()
	require.NoError(t, registry.Register[richPayload](r, "rich"))

	now := time.Now()
	payload := richPayload{ID: "ext-1", GroupKey: "g1", CollapseKey: "c1", DedupKey: "d1", At: now}

	extracted, ok := r.Extract(payload)
	require.True(t, ok)
	assert.True(t, extracted.HasExternalID)
	assert.Equal(t, "ext-1", extracted.ExternalID)
	assert.True(t, extracted.HasGroupID)
	assert.Equal(t, "g1", extracted.GroupID)
	assert.True(t, extracted.HasCollapseKey)
	assert.True(t, extracted.HasDeduplicationID)
	assert.True(t, extracted.HasReceivedAt)
}

func TestExtractOnUnregisteredTypeFails(t *testing.T) {
	r := registry.New()
	_, ok := r.Extract(plainPayload{})
	assert.False(t, ok)
}

func TestExtractIgnoresEmptyTraitValues(t *testing.T) {
	r := registry.New()
	require.NoError(t, registry.Register[richPayload](r, "rich"))

	extracted, ok := r.Extract(richPayload{})
	require.True(t, ok)
	assert.False(t, extracted.HasExternalID)
	assert.False(t, extracted.HasGroupID)
	assert.False(t, extracted.HasCollapseKey)
	assert.False(t, extracted.HasDeduplicationID)
	assert.True(t, extracted.HasReceivedAt) // zero time is still a value
}
