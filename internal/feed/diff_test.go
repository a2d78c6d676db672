package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		previous []string
		current  []string
		want     Diff
	}{
		{
			name:     "add update delete",
			previous: []string{"A", "B", "C"},
			current:  []string{"B", "C", "D"},
			want:     Diff{Stream: Alerts, Added: []string{"D"}, Updated: []string{"B", "C"}, Deleted: []string{"A"}},
		},
		{
			name:    "first cycle adds everything",
			current: []string{"z", "a"},
			want:    Diff{Stream: Alerts, Added: []string{"a", "z"}},
		},
		{
			name:     "empty cycle deletes everything",
			previous: []string{"b", "a"},
			want:     Diff{Stream: Alerts, Deleted: []string{"a", "b"}},
		},
		{
			name:     "duplicate current ids count once",
			previous: []string{"a"},
			current:  []string{"a", "a", "b", "b"},
			want:     Diff{Stream: Alerts, Added: []string{"b"}, Updated: []string{"a"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Compute(Alerts, tc.previous, tc.current))
		})
	}
}

func TestDiffEngine_Commit(t *testing.T) {
	ctx := context.Background()
	e := NewDiffEngine()

	_, err := e.Commit(ctx, VehiclePositions, []string{"A", "B", "C"}, func(Diff) error { return nil })
	require.NoError(t, err)

	var published Diff
	d, err := e.Commit(ctx, VehiclePositions, []string{"B", "C", "D"}, func(d Diff) error {
		published = d
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, d.Added)
	assert.Equal(t, []string{"B", "C"}, d.Updated)
	assert.Equal(t, []string{"A"}, d.Deleted)
	assert.Equal(t, d, published)

	// streams are independent
	other, err := e.Commit(ctx, TripUpdates, []string{"B"}, func(Diff) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, other.Added)
}

func TestDiffEngine_FailedPublishKeepsSet(t *testing.T) {
	ctx := context.Background()
	e := NewDiffEngine()
	_, err := e.Commit(ctx, Alerts, []string{"A", "B"}, func(Diff) error { return nil })
	require.NoError(t, err)

	boom := errors.New("sink down")
	_, err = e.Commit(ctx, Alerts, []string{"B"}, func(Diff) error { return boom })
	require.ErrorIs(t, err, boom)

	d, err := e.Commit(ctx, Alerts, []string{"B"}, func(Diff) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, d.Deleted, "deletion is re-derived after a failed publish")

	d, err = e.Commit(ctx, Alerts, []string{"B"}, func(Diff) error { return nil })
	require.NoError(t, err)
	assert.Empty(t, d.Deleted)
	assert.Equal(t, []string{"B"}, d.Updated)
}

type failingSet struct {
	*MemorySet
	readErr error
}

func (f *failingSet) IDs(ctx context.Context) ([]string, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.MemorySet.IDs(ctx)
}

func TestDiffEngine_SetReadFailureSkipsPublish(t *testing.T) {
	set := &failingSet{MemorySet: NewMemorySet(), readErr: errors.New("db locked")}
	e := NewDiffEngine().WithSet(Alerts, set)

	called := false
	_, err := e.Commit(context.Background(), Alerts, []string{"A"}, func(Diff) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestDiffEngine_UnknownStream(t *testing.T) {
	_, err := NewDiffEngine().Commit(context.Background(), Stream("nope"), nil, func(Diff) error { return nil })
	assert.Error(t, err)
}
