package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/vote"
)

// InfoFile is the file a YAMLSink writes inside the save folder.
const InfoFile = "env_info.yaml"

// InfoSink receives environment snapshots, typically when an environment is
// destroyed with a save folder.
type InfoSink interface {
	SaveInfo(ctx context.Context, folder string, info Info) error
}

// NopSink discards every snapshot.
type NopSink struct{}

// SaveInfo implements InfoSink.
func (NopSink) SaveInfo(context.Context, string, Info) error { return nil }

// YAMLSink writes a human-readable summary of each snapshot to
// <folder>/env_info.yaml, overwriting any previous one.
type YAMLSink struct{}

type yamlArtifact struct {
	Key         string             `yaml:"key"`
	Creator     string             `yaml:"creator"`
	Domain      string             `yaml:"domain"`
	Size        int                `yaml:"size"`
	Evaluations map[string]float64 `yaml:"evaluations"`
}

type yamlInfo struct {
	Env        string         `yaml:"env"`
	Age        int            `yaml:"age"`
	SavedAt    string         `yaml:"saved_at"`
	Agents     []AgentInfo    `yaml:"agents"`
	Artifacts  []yamlArtifact `yaml:"artifacts,omitempty"`
	Candidates []yamlArtifact `yaml:"candidates,omitempty"`
}

func toYAMLArtifacts(arts []*artifact.Artifact) []yamlArtifact {
	out := make([]yamlArtifact, 0, len(arts))
	for _, a := range arts {
		evals := make(map[string]float64)
		for who, e := range a.Evaluations() {
			evals[who] = e.Score
		}
		out = append(out, yamlArtifact{
			Key:         a.Key(),
			Creator:     a.Creator(),
			Domain:      a.Domain(),
			Size:        len(a.Payload()),
			Evaluations: evals,
		})
	}
	return out
}

// SaveInfo implements InfoSink. An empty folder is a no-op.
func (YAMLSink) SaveInfo(_ context.Context, folder string, info Info) error {
	if folder == "" {
		return nil
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("create save folder: %w", err)
	}
	doc := yamlInfo{
		Env:        info.Env,
		Age:        info.Age,
		SavedAt:    info.SavedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Agents:     info.Agents,
		Artifacts:  toYAMLArtifacts(info.Artifacts),
		Candidates: toYAMLArtifacts(info.Candidates),
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode env info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(folder, InfoFile), data, 0o644); err != nil {
		return fmt.Errorf("write env info: %w", err)
	}
	return nil
}

// ArchiveSink stores snapshots in a DB under one run, created on first use.
type ArchiveSink struct {
	db *DB

	mu    sync.Mutex
	runID string
}

// NewArchiveSink returns a sink writing to db.
func NewArchiveSink(db *DB) *ArchiveSink {
	return &ArchiveSink{db: db}
}

// RunID returns the run snapshots are stored under, or "" before the first save.
func (s *ArchiveSink) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Start opens the sink's run ahead of the first snapshot so that results
// can be stored while the environment is still running. It is a no-op
// once a run exists.
func (s *ArchiveSink) Start(ctx context.Context, env string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRun(ctx, env); err != nil {
		return "", err
	}
	return s.runID, nil
}

// must hold s.mu
func (s *ArchiveSink) ensureRun(ctx context.Context, env string) error {
	if s.runID != "" {
		return nil
	}
	run, err := s.db.CreateRun(ctx, env)
	if err != nil {
		return err
	}
	s.runID = run.ID
	return nil
}

// SaveInfo implements InfoSink.
func (s *ArchiveSink) SaveInfo(ctx context.Context, folder string, info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRun(ctx, info.Env); err != nil {
		return err
	}
	return s.db.SaveSnapshot(ctx, s.runID, folder, info)
}

// SaveVotes stores one voting round under the sink's run.
func (s *ArchiveSink) SaveVotes(ctx context.Context, round int, method vote.Method, results []vote.Scored) error {
	run := s.RunID()
	if run == "" {
		return errors.New("archive has no run, call Start first")
	}
	return s.db.SaveVotes(ctx, run, round, method, results)
}

// MultiSink forwards each snapshot to every sink and joins their errors.
type MultiSink []InfoSink

// SaveInfo implements InfoSink.
func (m MultiSink) SaveInfo(ctx context.Context, folder string, info Info) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveInfo(ctx, folder, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
