package vote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/creamas/internal/artifact"
)

// fakeTarget scores candidates with fixed per-voter tables and vetoes by key.
type fakeTarget struct {
	pool    []*artifact.Artifact
	cleared bool
	vetoes  []map[string]bool
	scores  []map[string]float64
	failOn  string
}

func (f *fakeTarget) Candidates(context.Context) ([]*artifact.Artifact, error) {
	if f.failOn == "candidates" {
		return nil, errors.New("unreachable")
	}
	return f.pool, nil
}

func (f *fakeTarget) ClearCandidates(context.Context) error {
	f.cleared = true
	f.pool = nil
	return nil
}

func (f *fakeTarget) Validate(_ context.Context, cands []*artifact.Artifact) ([]*artifact.Artifact, error) {
	var accepted [][]*artifact.Artifact
	for _, veto := range f.vetoes {
		var ok []*artifact.Artifact
		for _, c := range cands {
			if !veto[string(c.Payload())] {
				ok = append(ok, c)
			}
		}
		accepted = append(accepted, ok)
	}
	return artifact.Intersect(cands, accepted...), nil
}

func (f *fakeTarget) GatherVotes(_ context.Context, cands []*artifact.Artifact) ([]Ballot, error) {
	var out []Ballot
	for _, table := range f.scores {
		s := make([]float64, len(cands))
		for i, c := range cands {
			s[i] = table[string(c.Payload())]
		}
		out = append(out, Rank(cands, s))
	}
	return out, nil
}

func TestOrganizerRun(t *testing.T) {
	x, y, z := art("X"), art("Y"), art("Z")
	target := &fakeTarget{
		pool:   []*artifact.Artifact{x, y, z},
		vetoes: []map[string]bool{{"Z": true}, {}},
		scores: []map[string]float64{{"X": 1, "Y": 3}, {"X": 2, "Y": 4}},
	}
	o := NewOrganizer(target, nil, zaptest.NewLogger(t))

	got, err := o.Run(context.Background(), MethodMean, 1, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Y", string(got[0].Artifact.Payload()))
	assert.Len(t, o.Candidates(), 2)
	assert.Len(t, o.Votes(), 2)
}

func TestOrganizerValidationIsIntersection(t *testing.T) {
	c := art("C")
	for voters := 2; voters <= 5; voters++ {
		vetoes := make([]map[string]bool, voters)
		for i := range vetoes {
			vetoes[i] = map[string]bool{}
		}
		vetoes[0]["C"] = true
		target := &fakeTarget{pool: []*artifact.Artifact{c, art("D")}, vetoes: vetoes}
		o := NewOrganizer(target, nil, zaptest.NewLogger(t))
		require.NoError(t, o.GatherCandidates(context.Background()))
		require.NoError(t, o.ValidateCandidates(context.Background()))
		for _, cand := range o.Candidates() {
			assert.NotEqual(t, c.Key(), cand.Key(), "vetoed candidate survived with %d voters", voters)
		}
	}
}

func TestOrganizerGatherReplaces(t *testing.T) {
	target := &fakeTarget{pool: []*artifact.Artifact{art("A"), art("B")}}
	o := NewOrganizer(target, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, o.GatherCandidates(ctx))
	assert.Len(t, o.Candidates(), 2)

	target.pool = []*artifact.Artifact{art("C")}
	require.NoError(t, o.GatherCandidates(ctx))
	assert.Len(t, o.Candidates(), 1)

	require.NoError(t, o.ClearCandidates(ctx, false))
	assert.Empty(t, o.Candidates())
	assert.False(t, target.cleared)

	require.NoError(t, o.ClearCandidates(ctx, true))
	assert.True(t, target.cleared)
}

func TestOrganizerNoCandidatesIsNotAnError(t *testing.T) {
	o := NewOrganizer(&fakeTarget{}, nil, zaptest.NewLogger(t))
	got, err := o.Run(context.Background(), MethodIRV, 1, true)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOrganizerPropagatesTargetErrors(t *testing.T) {
	o := NewOrganizer(&fakeTarget{failOn: "candidates"}, nil, zaptest.NewLogger(t))
	_, err := o.Run(context.Background(), MethodIRV, 1, false)
	assert.Error(t, err)
}
