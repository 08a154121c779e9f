package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/pkg/records"
)

// fakeRepo is a minimal Repository implementation for tests.
type fakeRepo struct {
	closed bool
}

func (f *fakeRepo) EnsureTable(context.Context, []records.Column) error { return nil }
func (f *fakeRepo) Upsert(_ context.Context, b records.Batch) (int64, error) {
	return int64(len(b.Rows)), nil
}
func (f *fakeRepo) StageRows(_ context.Context, b records.Batch) (int64, error) {
	return int64(len(b.Rows)), nil
}
func (f *fakeRepo) Merge(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeRepo) PendingBatches(context.Context, time.Time) ([]string, error) {
	return nil, nil
}
func (f *fakeRepo) Close() { f.closed = true }

// TestRegisterAndNew_Success verifies that registering a backend enables New()
// to return the corresponding repository.
func TestRegisterAndNew_Success(t *testing.T) {
	t.Parallel()

	var got Config
	Register("fake", func(_ context.Context, cfg Config) (Repository, error) {
		got = cfg
		return &fakeRepo{}, nil
	})

	repo, err := New(context.Background(), Config{Kind: "fake", Table: "public.erp"})
	require.NoError(t, err)
	require.NotNil(t, repo)
	assert.Equal(t, "public.erp", got.Table)
	assert.NotNil(t, got.Logger, "a discard logger is filled in")
	assert.Contains(t, ListKinds(), "fake")
}

// TestNew_Unsupported verifies that unsupported kinds return a helpful error.
func TestNew_Unsupported(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Kind: "does-not-exist"})
	require.Error(t, err)
	assert.Equal(t, "unsupported storage.kind=does-not-exist", err.Error())
}

// TestRegister_Override verifies that re-registering a kind overrides the
// previous factory.
func TestRegister_Override(t *testing.T) {
	t.Parallel()

	calls := 0
	Register("override", func(context.Context, Config) (Repository, error) {
		calls++
		return &fakeRepo{}, nil
	})
	Register("override", func(context.Context, Config) (Repository, error) {
		calls += 10
		return &fakeRepo{}, nil
	})

	_, err := New(context.Background(), Config{Kind: "override"})
	require.NoError(t, err)
	assert.Equal(t, 10, calls, "only the second factory is used")
}

// TestListKinds_Snapshot checks that ListKinds returns a copy.
func TestListKinds_Snapshot(t *testing.T) {
	t.Parallel()

	Register("snap", func(context.Context, Config) (Repository, error) { return &fakeRepo{}, nil })

	a := ListKinds()
	require.NotEmpty(t, a)
	a[0] = "mutated"
	assert.NotContains(t, ListKinds(), "mutated")
}

// TestRegister_AllowsErrors shows factories can return errors that bubble up.
func TestRegister_AllowsErrors(t *testing.T) {
	t.Parallel()

	want := errors.New("boom")
	Register("errkind", func(context.Context, Config) (Repository, error) { return nil, want })

	_, err := New(context.Background(), Config{Kind: "errkind"})
	assert.ErrorIs(t, err, want)
}

func TestConfigKeysAndNonKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"collection_id", "record_id"}, Config{}.Keys())
	assert.Equal(t, []string{"id"}, Config{KeyColumns: []string{"id"}}.Keys())
	assert.Equal(t, []string{"quantity", "status"},
		NonKey([]string{"collection_id", "quantity", "record_id", "status"}, DefaultKeyColumns))
}
