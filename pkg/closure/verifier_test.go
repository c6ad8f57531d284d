package closure

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
)

// fakeCommits serves committed digests from a map.
type fakeCommits map[uint64]contracts.Hash

func (f fakeCommits) Record(step uint64) (contracts.CommitmentRecord, error) {
	d, ok := f[step]
	if !ok {
		return contracts.CommitmentRecord{}, errors.New("no commitment")
	}
	return contracts.CommitmentRecord{Step: step, Digest: d}, nil
}

// fakeReplayer returns a fixed predicted digest, or an error.
type fakeReplayer struct {
	predict contracts.Hash
	err     error
}

func (f fakeReplayer) ReplayTransition(ctx context.Context, from contracts.Hash, m contracts.MorphismRecord, toStep uint64) (contracts.Hash, error) {
	return f.predict, f.err
}

func morphismAt(id string, step uint64) contracts.MorphismRecord {
	return contracts.MorphismRecord{ID: id, Kind: "rule", ProducedAtStep: step}
}

func TestCheckAppliedMatch(t *testing.T) {
	ctx := context.Background()
	v := New(Config{})
	require.NoError(t, v.Register(morphismAt("m1", 5)))

	observed := canonicalize.HashBytes([]byte("state-8"))
	commits := fakeCommits{5: canonicalize.HashBytes([]byte("state-5")), 8: observed}

	applied, err := v.CheckApplied(ctx, fakeReplayer{predict: observed}, commits, "m1", 8)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, v.Applied("m1"))

	res := v.Result()
	assert.Equal(t, contracts.TestPass, res.Tag)
	assert.Equal(t, 1.0, res.Score)
}

func TestCheckAppliedDivergence(t *testing.T) {
	ctx := context.Background()
	v := New(Config{})
	require.NoError(t, v.Register(morphismAt("m1", 5)))

	commits := fakeCommits{
		5: canonicalize.HashBytes([]byte("state-5")),
		8: canonicalize.HashBytes([]byte("state-8")),
	}

	applied, err := v.CheckApplied(ctx, fakeReplayer{predict: canonicalize.HashBytes([]byte("other"))}, commits, "m1", 8)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.False(t, v.Applied("m1"))
}

func TestReplayErrorCountsAsUnverified(t *testing.T) {
	ctx := context.Background()
	v := New(Config{})
	require.NoError(t, v.Register(morphismAt("m1", 5)))

	commits := fakeCommits{5: canonicalize.HashBytes([]byte("a")), 8: canonicalize.HashBytes([]byte("b"))}
	applied, err := v.CheckApplied(ctx, fakeReplayer{err: errors.New("cannot replay")}, commits, "m1", 8)
	require.NoError(t, err, "a failed replay is a finding, not a harness error")
	assert.False(t, applied)
}

func TestCheckAppliedGuards(t *testing.T) {
	ctx := context.Background()
	v := New(Config{})
	require.NoError(t, v.Register(morphismAt("m1", 5)))

	_, err := v.CheckApplied(ctx, fakeReplayer{}, fakeCommits{}, "ghost", 8)
	assert.Error(t, err, "unregistered morphism")

	_, err = v.CheckApplied(ctx, fakeReplayer{}, fakeCommits{}, "m1", 5)
	assert.Error(t, err, "later step must be after origin")

	assert.Error(t, v.Register(morphismAt("m1", 9)), "duplicate registration")
}

func TestScoreDegradesProportionally(t *testing.T) {
	ctx := context.Background()
	v := New(Config{FailThreshold: 0.6})
	observed := canonicalize.HashBytes([]byte("obs"))
	commits := fakeCommits{1: observed, 4: observed}

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, v.Register(morphismAt(id, 1)))
	}
	// One applied claim out of four.
	_, err := v.CheckApplied(ctx, fakeReplayer{predict: observed}, commits, "a", 4)
	require.NoError(t, err)
	for _, id := range []string{"b", "c"} {
		_, err = v.CheckApplied(ctx, fakeReplayer{predict: canonicalize.HashBytes([]byte("no"))}, commits, id, 4)
		require.NoError(t, err)
	}
	// "d" is never checked at all; it still counts against the claim rate.

	res := v.Result()
	assert.Equal(t, 0.25, res.Score)
	assert.Equal(t, contracts.TestFail, res.Tag)
	assert.Equal(t, 4, res.Closure.Registered)
	assert.Equal(t, 1, res.Closure.Applied)
}

func TestNoClaimsIsIndeterminate(t *testing.T) {
	v := New(Config{})
	res := v.Result()
	assert.Equal(t, contracts.TestIndeterminate, res.Tag)
	assert.Equal(t, 1.0, res.Score)
}

func TestRollingWindow(t *testing.T) {
	r := NewRolling(3)
	assert.Equal(t, 1.0, r.Mean(), "empty window is benign")

	r.Add(1.0)
	r.Add(0.2)
	r.Add(0.1)
	assert.InDelta(t, 0.4333, r.Mean(), 1e-3)
	assert.True(t, r.Failing(0.5))

	// The oldest score rolls out of the window.
	r.Add(0.9)
	assert.InDelta(t, 0.4, r.Mean(), 1e-9)
}
