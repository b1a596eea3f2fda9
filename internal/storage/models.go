package storage

import (
	"time"

	"github.com/ssd-technologies/creamas/internal/artifact"
)

// AgentInfo summarizes one agent at save time.
type AgentInfo struct {
	Addr        string             `json:"addr" yaml:"addr"`
	Name        string             `json:"name" yaml:"name"`
	Kind        string             `json:"kind" yaml:"kind"`
	Age         int                `json:"age" yaml:"age"`
	Connections map[string]float64 `json:"connections,omitempty" yaml:"connections,omitempty"`
	Published   int                `json:"published" yaml:"published"`
}

// Info is what an environment hands its sink when it saves its state.
type Info struct {
	Env        string               `json:"env"`
	Age        int                  `json:"age"`
	SavedAt    time.Time            `json:"saved_at"`
	Agents     []AgentInfo          `json:"agents"`
	Artifacts  []*artifact.Artifact `json:"artifacts"`
	Candidates []*artifact.Artifact `json:"candidates"`
}

// VoteRecord is one ranked entry of a stored voting result.
type VoteRecord struct {
	RunID       string  `json:"run_id"`
	Round       int     `json:"round"`
	Method      string  `json:"method"`
	Rank        int     `json:"rank"`
	ArtifactKey string  `json:"artifact_key"`
	Score       float64 `json:"score"`
	CreatedAt   int64   `json:"created_at"`
}

// Run identifies one simulation run in the archive.
type Run struct {
	ID        string `json:"id"`
	Env       string `json:"env"`
	CreatedAt int64  `json:"created_at"`
}
