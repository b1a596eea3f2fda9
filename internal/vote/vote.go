// Package vote implements the social choice functions used to decide which
// candidate artifacts a society accepts, and the organizer that runs a
// voting round against an environment.
package vote

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/ssd-technologies/creamas/internal/artifact"
)

// Method names a social choice function.
type Method string

const (
	MethodIRV        Method = "IRV"
	MethodMean       Method = "mean"
	MethodBest       Method = "best"
	MethodLeastWorst Method = "least_worst"
	MethodRandom     Method = "random"
)

var (
	// ErrUnknownMethod is returned by ParseMethod and Compute.
	ErrUnknownMethod = errors.New("unknown voting method")
	// ErrAccepted is returned when fewer than one winner is requested.
	ErrAccepted = errors.New("accepted count must be at least 1")
)

// ParseMethod resolves a method name. Matching is case-insensitive.
func ParseMethod(s string) (Method, error) {
	for _, m := range []Method{MethodIRV, MethodMean, MethodBest, MethodLeastWorst, MethodRandom} {
		if strings.EqualFold(string(m), s) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Scored is one ballot entry or one voting result.
type Scored struct {
	Artifact *artifact.Artifact `json:"artifact"`
	Score    float64            `json:"score"`
}

// Ballot is one agent's scored list over the current candidates, best first.
type Ballot []Scored

// Rank builds a ballot from parallel slices, sorted by descending score.
// Equal scores keep their input order.
func Rank(cands []*artifact.Artifact, scores []float64) Ballot {
	b := make(Ballot, len(cands))
	for i, c := range cands {
		b[i] = Scored{Artifact: c, Score: scores[i]}
	}
	sort.SliceStable(b, func(i, j int) bool { return b[i].Score > b[j].Score })
	return b
}

// KeyScore is a ballot entry naming its candidate by key.
type KeyScore struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// KeyedBallot is the form a ballot travels in between processes. The
// caller already holds the candidates, so only their keys are sent back.
type KeyedBallot []KeyScore

// Keyed converts b to its keyed form.
func (b Ballot) Keyed() KeyedBallot {
	kb := make(KeyedBallot, len(b))
	for i, s := range b {
		kb[i] = KeyScore{Key: s.Artifact.Key(), Score: s.Score}
	}
	return kb
}

// Resolve turns kb back into a ballot over cands. Entries whose key names
// no candidate are dropped.
func (kb KeyedBallot) Resolve(cands []*artifact.Artifact) Ballot {
	return kb.resolve(cands, artifact.Index(cands))
}

func (kb KeyedBallot) resolve(cands []*artifact.Artifact, idx map[string]int) Ballot {
	b := make(Ballot, 0, len(kb))
	for _, e := range kb {
		if i, ok := idx[e.Key]; ok {
			b = append(b, Scored{Artifact: cands[i], Score: e.Score})
		}
	}
	return b
}

// KeyBallots converts every ballot to its keyed form.
func KeyBallots(ballots []Ballot) []KeyedBallot {
	out := make([]KeyedBallot, len(ballots))
	for i, b := range ballots {
		out[i] = b.Keyed()
	}
	return out
}

// ResolveBallots resolves keyed ballots against cands.
func ResolveBallots(kbs []KeyedBallot, cands []*artifact.Artifact) []Ballot {
	idx := artifact.Index(cands)
	out := make([]Ballot, len(kbs))
	for i, kb := range kbs {
		out[i] = kb.resolve(cands, idx)
	}
	return out
}

// Compute runs method over the ballots and returns at most n results.
// Empty candidate sets yield no results. Every method except random also
// yields nothing when there are no ballots.
func Compute(method Method, cands []*artifact.Artifact, ballots []Ballot, n int, rng *rand.Rand) ([]Scored, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrAccepted, n)
	}
	if len(cands) == 0 {
		return nil, nil
	}
	switch method {
	case MethodIRV:
		return truncate(IRV(cands, ballots), n), nil
	case MethodMean:
		return Mean(cands, ballots, n), nil
	case MethodBest:
		return Best(cands, ballots), nil
	case MethodLeastWorst:
		return LeastWorst(cands, ballots), nil
	case MethodRandom:
		return Random(cands, n, rng), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// Best returns the top entry with the highest score across all ballots. A
// ballot's top entry is its first entry naming one of cands. Ties go to the
// ballot seen first.
func Best(cands []*artifact.Artifact, ballots []Ballot) []Scored {
	idx := artifact.Index(cands)
	var (
		best  Scored
		found bool
	)
	for _, b := range ballots {
		for _, e := range b {
			i, ok := idx[e.Artifact.Key()]
			if !ok {
				continue
			}
			if !found || e.Score > best.Score {
				best, found = Scored{Artifact: cands[i], Score: e.Score}, true
			}
			break
		}
	}
	if !found {
		return nil
	}
	return []Scored{best}
}

// LeastWorst returns the candidate whose lowest score across the ballots
// that mention it is highest. Candidates no ballot mentions are never
// selected. Ties go to the candidate listed first.
func LeastWorst(cands []*artifact.Artifact, ballots []Ballot) []Scored {
	idx := artifact.Index(cands)
	worst := make([]float64, len(cands))
	seen := make([]bool, len(cands))
	for i := range worst {
		worst[i] = math.Inf(1)
	}
	for _, b := range ballots {
		for _, e := range b {
			i, ok := idx[e.Artifact.Key()]
			if !ok {
				continue
			}
			seen[i] = true
			if e.Score < worst[i] {
				worst[i] = e.Score
			}
		}
	}
	win := -1
	for i := range cands {
		if !seen[i] {
			continue
		}
		if win < 0 || worst[i] > worst[win] {
			win = i
		}
	}
	if win < 0 {
		return nil
	}
	return []Scored{{Artifact: cands[win], Score: worst[win]}}
}

// Mean averages each candidate's scores over the ballots that mention it and
// returns the n highest. Equal means keep candidate order.
func Mean(cands []*artifact.Artifact, ballots []Ballot, n int) []Scored {
	idx := artifact.Index(cands)
	sums := make([]float64, len(cands))
	counts := make([]int, len(cands))
	for _, b := range ballots {
		for _, e := range b {
			if i, ok := idx[e.Artifact.Key()]; ok {
				sums[i] += e.Score
				counts[i]++
			}
		}
	}
	out := make([]Scored, 0, len(cands))
	for i, c := range cands {
		if counts[i] == 0 {
			continue
		}
		out = append(out, Scored{Artifact: c, Score: sums[i] / float64(counts[i])})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return truncate(out, n)
}

// Random shuffles the candidates with rng and returns the first n, each
// scored 0.
func Random(cands []*artifact.Artifact, n int, rng *rand.Rand) []Scored {
	shuffled := append([]*artifact.Artifact(nil), cands...)
	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}
	shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	out := make([]Scored, 0, n)
	for _, c := range shuffled {
		if len(out) == n {
			break
		}
		out = append(out, Scored{Artifact: c})
	}
	return out
}

func truncate(s []Scored, n int) []Scored {
	if len(s) > n {
		return s[:n]
	}
	return s
}
