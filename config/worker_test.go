package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/kvstore"
)

func newTestWorker(t *testing.T) (*Worker, *kvstore.MemoryStore) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	return NewWorker(store, nil), store
}

func simpleDeclaration(t *testing.T) map[string]any {
	return decl(t, `{
		"class": "Telemetry",
		"My_Listener": {"class": "Telemetry_Listener"},
		"My_Consumer": {"class": "Telemetry_Consumer", "type": "default"}
	}`)
}

func TestProcessDeclarationAppliesAndPersists(t *testing.T) {
	w, store := newTestWorker(t)
	ctx := context.Background()

	set, err := w.ProcessDeclaration(ctx, simpleDeclaration(t), ProcessOptions{})
	require.NoError(t, err)
	assert.Len(t, set.Components, 2)

	// Persisted blob carries {raw: declaration}
	blob, err := store.Get(ctx, "config")
	require.NoError(t, err)
	assert.Contains(t, string(blob), `"raw"`)
	assert.Contains(t, string(blob), "My_Listener")
}

func TestProcessDeclarationRejectedNothingPersisted(t *testing.T) {
	w, store := newTestWorker(t)
	ctx := context.Background()

	_, err := w.ProcessDeclaration(ctx, decl(t, `{"class": "Telemetry", "bad": 1}`), ProcessOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	_, err = store.Get(ctx, "config")
	assert.True(t, errors.Is(err, kvstore.ErrKeyNotFound))
}

func TestProcessDeclarationSaveDisabled(t *testing.T) {
	w, store := newTestWorker(t)
	ctx := context.Background()

	_, err := w.ProcessDeclaration(ctx, simpleDeclaration(t), ProcessOptions{Save: boolPtr(false)})
	require.NoError(t, err)

	_, err = store.Get(ctx, "config")
	assert.True(t, errors.Is(err, kvstore.ErrKeyNotFound))
}

func TestLoadRoundTrip(t *testing.T) {
	first, store := newTestWorker(t)
	ctx := context.Background()

	_, err := first.ProcessDeclaration(ctx, simpleDeclaration(t), ProcessOptions{})
	require.NoError(t, err)

	second := NewWorker(store, nil)
	require.NoError(t, second.Load(ctx))
	assert.Len(t, second.CurrentSet().Components, 2)
}

func TestLoadMissingBlobStartsEmpty(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.Load(context.Background()))

	set := w.CurrentSet()
	assert.Empty(t, set.Components)
	assert.Empty(t, set.Mappings)
}

func TestLoadCorruptBlobFallsBackWithoutOverwriting(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "config", []byte("not json")))

	w := NewWorker(store, nil)
	require.NoError(t, w.Load(ctx))
	assert.Empty(t, w.CurrentSet().Components)

	// The stored blob is preserved for inspection
	blob, err := store.Get(ctx, "config")
	require.NoError(t, err)
	assert.Equal(t, "not json", string(blob))
}

func TestGetDeclaration(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()

	declaration := decl(t, `{
		"class": "Telemetry",
		"My_Listener": {"class": "Telemetry_Listener"},
		"My_NS": {
			"class": "Telemetry_Namespace",
			"L": {"class": "Telemetry_Listener", "port": 6520}
		}
	}`)
	_, err := w.ProcessDeclaration(ctx, declaration, ProcessOptions{})
	require.NoError(t, err)

	full, err := w.GetDeclaration("")
	require.NoError(t, err)
	assert.Contains(t, full, "My_Listener")

	ns, err := w.GetDeclaration("My_NS")
	require.NoError(t, err)
	assert.Contains(t, ns, "L")

	_, err = w.GetDeclaration("Missing_NS")
	require.Error(t, err)
	assert.True(t, errors.IsObjectNotFound(err))
}

func TestProcessNamespaceDeclarationMerges(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()

	_, err := w.ProcessDeclaration(ctx, simpleDeclaration(t), ProcessOptions{})
	require.NoError(t, err)

	nsFragment := decl(t, `{
		"L_NS": {"class": "Telemetry_Listener", "port": 6525}
	}`)
	set, err := w.ProcessNamespaceDeclaration(ctx, nsFragment, "Edge_NS", ProcessOptions{})
	require.NoError(t, err)

	byID := set.ByID()
	require.Contains(t, byID, "Edge_NS::L_NS")
	// Components outside the namespace carry skipUpdate
	assert.True(t, byID["f5telemetry_default::My_Listener"].SkipUpdate)
	assert.False(t, byID["Edge_NS::L_NS"].SkipUpdate)
}

func TestProcessNamespaceDeclarationCannotOverrideClass(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()

	_, err := w.ProcessDeclaration(ctx, simpleDeclaration(t), ProcessOptions{})
	require.NoError(t, err)

	_, err = w.ProcessNamespaceDeclaration(ctx,
		decl(t, `{"X": {"class": "Telemetry_Listener"}}`), "My_Consumer", ProcessOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
	assert.Contains(t, err.Error(), "cannot override class")
}

func TestCleanupDropsStateAndBlob(t *testing.T) {
	w, store := newTestWorker(t)
	ctx := context.Background()

	_, err := w.ProcessDeclaration(ctx, simpleDeclaration(t), ProcessOptions{})
	require.NoError(t, err)

	require.NoError(t, w.Cleanup(ctx))
	assert.Empty(t, w.CurrentSet().Components)

	_, err = store.Get(ctx, "config")
	assert.True(t, errors.Is(err, kvstore.ErrKeyNotFound))
}

func TestEventsCarryTransactionIDAndMetadata(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()

	received, err := w.Events().Subscribe(EventReceived)
	require.NoError(t, err)
	succeeded, err := w.Events().Subscribe(EventValidationSucceed)
	require.NoError(t, err)
	changed, err := w.Events().Subscribe(EventChange)
	require.NoError(t, err)

	metadata := map[string]any{"originalDeclaration": true}
	_, err = w.ProcessDeclaration(ctx, simpleDeclaration(t), ProcessOptions{Metadata: metadata})
	require.NoError(t, err)

	rcv := <-received
	ok := <-succeeded
	chg := <-changed

	assert.NotEmpty(t, rcv.TransactionID)
	assert.Equal(t, rcv.TransactionID, ok.TransactionID)
	assert.Equal(t, rcv.TransactionID, chg.TransactionID)
	assert.Equal(t, metadata, chg.Metadata)
	assert.NotNil(t, chg.Set)
}

func TestValidationFailedEvent(t *testing.T) {
	w, _ := newTestWorker(t)

	failed, err := w.Events().Subscribe(EventValidationFailed)
	require.NoError(t, err)

	_, err = w.ProcessDeclaration(context.Background(),
		decl(t, `{"class": "Telemetry", "bad": 1}`), ProcessOptions{})
	require.Error(t, err)

	event := <-failed
	assert.Error(t, event.Err)
	assert.NotEmpty(t, event.TransactionID)
}

func TestEventBusSubscriberBudget(t *testing.T) {
	bus := NewEventBus(nil)
	for i := 0; i < maxSubscribersPerTopic; i++ {
		_, err := bus.Subscribe(EventChange)
		require.NoError(t, err)
	}
	_, err := bus.Subscribe(EventChange)
	assert.Error(t, err)
}
