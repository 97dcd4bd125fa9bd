package repair

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	cache   map[string]bool
	meta    map[string]bool
	purgeErr error
	deleteErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{cache: map[string]bool{}, meta: map[string]bool{}}
}

func (f *fakeStore) HasCacheEntry(_ context.Context, id string) (bool, error) {
	return f.cache[id], nil
}

func (f *fakeStore) HasModelMetadata(_ context.Context, id string) (bool, error) {
	return f.meta[id], nil
}

func (f *fakeStore) PurgeCacheEntries(_ context.Context, id string) error {
	if f.purgeErr != nil {
		return f.purgeErr
	}
	delete(f.cache, id)
	return nil
}

func (f *fakeStore) DeleteModelMetadata(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.meta, id)
	return nil
}

func TestRepairBothPresentNoOp(t *testing.T) {
	s := newFakeStore()
	s.cache["m"] = true
	s.meta["m"] = true
	r := New(s)
	outcome, err := r.Repair(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNone, outcome)
}

func TestRepairBothAbsentNoOp(t *testing.T) {
	s := newFakeStore()
	r := New(s)
	outcome, err := r.Repair(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNone, outcome)
}

func TestRepairCacheOnlyPurgesCache(t *testing.T) {
	s := newFakeStore()
	s.cache["m"] = true
	r := New(s)
	outcome, err := r.Repair(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRepaired, outcome)
	assert.False(t, s.cache["m"])
}

func TestRepairMetadataOnlyDeletesMetadata(t *testing.T) {
	s := newFakeStore()
	s.meta["m"] = true
	r := New(s)
	outcome, err := r.Repair(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRepaired, outcome)
	assert.False(t, s.meta["m"])
}

func TestRepairPropagatesPurgeError(t *testing.T) {
	s := newFakeStore()
	s.cache["m"] = true
	s.purgeErr = errors.New("disk error")
	r := New(s)
	outcome, err := r.Repair(context.Background(), "m")
	assert.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}
