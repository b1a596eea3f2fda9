package artifact

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordsCreatorEvaluation(t *testing.T) {
	a := New("tcp://127.0.0.1:5555/1", "number", []byte("42"), 0.75, []byte("prime"))

	e, ok := a.Evaluation("tcp://127.0.0.1:5555/1")
	require.True(t, ok)
	assert.Equal(t, 0.75, e.Score)
	assert.Equal(t, []byte("prime"), e.Framing)
	assert.Len(t, a.Evaluations(), 1)
}

func TestKeyIgnoresEvaluations(t *testing.T) {
	a := New("alice", "number", []byte("7"), 1, nil)
	b := New("alice", "number", []byte("7"), -1, nil)
	b.AddEvaluation("bob", 0.3, nil)
	assert.Equal(t, a.Key(), b.Key())

	c := New("alice", "number", []byte("8"), 1, nil)
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestKeyDistinguishesBoundaries(t *testing.T) {
	// Concatenation alone would collide here.
	a := New("ab", "c", []byte("d"), 0, nil)
	b := New("a", "bc", []byte("d"), 0, nil)
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestJSONRoundTrip(t *testing.T) {
	a := New("tcp://host:5555/3", "image", []byte{0x00, 0xff, 0x10}, 0.5, []byte(`{"why":"symmetry"}`))
	a.AddEvaluation("tcp://host:5556/1", -0.25, nil)
	a.AddEvaluation("tcp://host:5556/2", 1, []byte("bold"))

	data, err := json.Marshal(a)
	require.NoError(t, err)

	var got Artifact
	require.NoError(t, json.Unmarshal(data, &got))

	if diff := cmp.Diff(a, &got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, a.Key(), got.Key())
	assert.Equal(t, a.Evaluators(), got.Evaluators())
}

func TestUnmarshalRejectsMissingCreatorEntry(t *testing.T) {
	var a Artifact
	err := json.Unmarshal([]byte(`{"creator":"x","domain":"d","payload":null,"evaluations":{}}`), &a)
	assert.Error(t, err)
}

func TestConcurrentEvaluations(t *testing.T) {
	a := New("creator", "d", []byte("p"), 0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.AddEvaluation(string(rune('A'+i%26))+"-eval", float64(i)/50, nil)
			_ = a.Evaluations()
		}(i)
	}
	wg.Wait()
	assert.Len(t, a.Evaluations(), 27)
}

func TestIntersect(t *testing.T) {
	x := New("a", "d", []byte("x"), 0, nil)
	y := New("a", "d", []byte("y"), 0, nil)
	z := New("a", "d", []byte("z"), 0, nil)
	base := []*Artifact{x, y, z, x}

	got := Intersect(base, []*Artifact{z, x}, []*Artifact{x.Clone(), y, z})
	require.Len(t, got, 2)
	assert.Same(t, x, got[0])
	assert.Same(t, z, got[1])

	assert.Empty(t, Intersect(base, []*Artifact{x}, nil))
}

func TestByCreator(t *testing.T) {
	arts := []*Artifact{
		New("a", "d", []byte("1"), 0, nil),
		New("b", "d", []byte("2"), 0, nil),
		New("a", "d", []byte("3"), 0, nil),
	}
	got := ByCreator(arts, "a")
	require.Len(t, got, 2)
	assert.Equal(t, []byte("3"), got[1].Payload())
}
