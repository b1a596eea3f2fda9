// Package artifact defines the creative output exchanged between agents and
// the evaluation side-table that accumulates around it.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Evaluation is one evaluator's verdict on an artifact.
type Evaluation struct {
	Score   float64 `json:"score"`
	Framing []byte  `json:"framing"`
}

// Artifact is an opaque payload created by one agent in one domain. The
// payload is fixed at construction; only the evaluation table changes.
type Artifact struct {
	mu          sync.RWMutex
	creator     string
	domain      string
	payload     []byte
	evaluations map[string]Evaluation
}

// New creates an artifact and records the creator's own evaluation of it.
func New(creator, domain string, payload []byte, selfScore float64, framing []byte) *Artifact {
	a := &Artifact{
		creator:     creator,
		domain:      domain,
		payload:     append([]byte(nil), payload...),
		evaluations: make(map[string]Evaluation),
	}
	a.evaluations[creator] = Evaluation{Score: selfScore, Framing: append([]byte(nil), framing...)}
	return a
}

// Creator returns the identity of the agent that produced the artifact.
func (a *Artifact) Creator() string { return a.creator }

// Domain returns the artifact's domain tag.
func (a *Artifact) Domain() string { return a.domain }

// Payload returns a copy of the artifact's content.
func (a *Artifact) Payload() []byte { return append([]byte(nil), a.payload...) }

// Key returns the content key used for candidate identity. Two artifacts
// share a key only when creator, domain and payload are byte-equal; the
// evaluation table does not take part.
func (a *Artifact) Key() string {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(a.creator), []byte(a.domain), a.payload} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AddEvaluation records (or overwrites) evaluator's score and framing.
func (a *Artifact) AddEvaluation(evaluator string, score float64, framing []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evaluations[evaluator] = Evaluation{Score: score, Framing: append([]byte(nil), framing...)}
}

// Evaluation returns evaluator's entry, if any.
func (a *Artifact) Evaluation(evaluator string) (Evaluation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.evaluations[evaluator]
	return e, ok
}

// Evaluations returns a copy of the evaluation table.
func (a *Artifact) Evaluations() map[string]Evaluation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Evaluation, len(a.evaluations))
	for k, v := range a.evaluations {
		out[k] = v
	}
	return out
}

// Evaluators returns the evaluator identities in sorted order.
func (a *Artifact) Evaluators() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.evaluations))
	for k := range a.evaluations {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether both artifacts carry the same creator, domain,
// payload and evaluation table.
func (a *Artifact) Equal(other *Artifact) bool {
	if a == nil || other == nil {
		return a == other
	}
	if a.creator != other.creator || a.domain != other.domain || !bytes.Equal(a.payload, other.payload) {
		return false
	}
	ae, oe := a.Evaluations(), other.Evaluations()
	if len(ae) != len(oe) {
		return false
	}
	for k, v := range ae {
		w, ok := oe[k]
		if !ok || v.Score != w.Score || !bytes.Equal(v.Framing, w.Framing) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	c := &Artifact{
		creator:     a.creator,
		domain:      a.domain,
		payload:     append([]byte(nil), a.payload...),
		evaluations: a.Evaluations(),
	}
	return c
}

func (a *Artifact) String() string {
	return fmt.Sprintf("%s:%s:%s", a.creator, a.domain, a.Key()[:12])
}

// wireArtifact is the JSON shape of an artifact crossing process boundaries.
type wireArtifact struct {
	Creator     string                `json:"creator"`
	Domain      string                `json:"domain"`
	Payload     []byte                `json:"payload"`
	Evaluations map[string]Evaluation `json:"evaluations"`
}

// MarshalJSON implements json.Marshaler.
func (a *Artifact) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireArtifact{
		Creator:     a.creator,
		Domain:      a.domain,
		Payload:     a.payload,
		Evaluations: a.Evaluations(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Artifact) UnmarshalJSON(data []byte) error {
	var w wireArtifact
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode artifact: %w", err)
	}
	if w.Creator == "" {
		return fmt.Errorf("decode artifact: missing creator")
	}
	if _, ok := w.Evaluations[w.Creator]; !ok {
		return fmt.Errorf("decode artifact: no evaluation from creator %q", w.Creator)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creator = w.Creator
	a.domain = w.Domain
	a.payload = w.Payload
	a.evaluations = w.Evaluations
	return nil
}
