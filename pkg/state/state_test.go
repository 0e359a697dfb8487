package state

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"go.uber.org/zap"
)

func TestScopedStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := NewScoped(store, "flow-1", "brick-1")

	v, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, v, "unset state reads as nil")

	require.NoError(t, s.Set(ctx, map[string]any{"count": 3}))
	v, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 3.0}, v)

	other := NewScoped(store, "flow-1", "brick-2")
	v, err = other.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, v, "state is scoped per brick")

	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Reset(ctx))
	v, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestScopedStateRejectsUnencodableValue(t *testing.T) {
	s := NewScoped(NewMemoryStore(), "f", "b")
	assert.Error(t, s.Set(context.Background(), make(chan int)))
}

// fakeKV implements the parts of jetstream.KeyValue the store uses.
type fakeKV struct {
	jetstream.KeyValue
	data map[string][]byte
	fail error
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e fakeEntry) Value() []byte { return e.value }

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{value: v}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	f.data[key] = value
	return uint64(len(f.data)), nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	if f.fail != nil {
		return f.fail
	}
	delete(f.data, key)
	return nil
}

func TestNATSStore(t *testing.T) {
	ctx := context.Background()
	kv := &fakeKV{data: make(map[string][]byte)}
	s := NewScoped(NewNATSStore(kv, zap.NewNop()), "flow", "brick")

	require.NoError(t, s.Set(ctx, "hello"))
	assert.Equal(t, []byte(`"hello"`), kv.data["flow/brick"])

	v, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	require.NoError(t, s.Reset(ctx))
	v, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, v)

	kv.fail = errors.New("timeout")
	_, err = s.Get(ctx)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, sdkerrors.ErrStateNotFound)
}

func TestNewBlobStoreValidation(t *testing.T) {
	logger := zap.NewNop()

	_, err := NewBlobStore("", "c", logger)
	assert.Error(t, err)
	_, err = NewBlobStore("AccountName=a;AccountKey=a2V5", "", logger)
	assert.Error(t, err)
	_, err = NewBlobStore("AccountName=a", "c", logger)
	assert.Error(t, err)
	_, err = NewBlobStore("AccountName=a;AccountKey=a2V5", "c", nil)
	assert.Error(t, err)

	s, err := NewBlobStore("DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=a2V5;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;", "state", logger)
	require.NoError(t, err)
	assert.Equal(t, "state", s.containerName)
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString("AccountName=acc; AccountKey=k==;;bogus;BlobEndpoint=http://h:1/acc")
	assert.Equal(t, "acc", params["AccountName"])
	assert.Equal(t, "k==", params["AccountKey"])
	assert.Equal(t, "http://h:1/acc", params["BlobEndpoint"])
	assert.NotContains(t, params, "bogus")
	assert.Equal(t, "f/b.json", blobName(Key("f", "b")))
}
