package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/vote"
)

// testDB creates a temporary SQLite database for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testInfo() Info {
	a := artifact.New("tcp://localhost:5555/1", "number", []byte("42"), 0.5, nil)
	a.AddEvaluation("tcp://localhost:5555/2", 0.25, nil)
	b := artifact.New("tcp://localhost:5555/2", "number", []byte("7"), 0.9, nil)
	return Info{
		Env:     "tcp://localhost:5555/0",
		Age:     3,
		SavedAt: time.Unix(1700000000, 0),
		Agents: []AgentInfo{
			{Addr: "tcp://localhost:5555/1", Name: "a1", Kind: "number", Age: 3,
				Connections: map[string]float64{"tcp://localhost:5555/2": 0.5}, Published: 1},
			{Addr: "tcp://localhost:5555/2", Name: "a2", Kind: "number", Age: 3},
		},
		Artifacts:  []*artifact.Artifact{a},
		Candidates: []*artifact.Artifact{b},
	}
}

func TestNewDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestNewDB_AllTablesExist(t *testing.T) {
	db := testDB(t)

	expected := []string{"runs", "snapshots", "agents", "artifacts", "votes"}
	for _, table := range expected {
		var name string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestCreateAndGetRun(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	run, err := db.CreateRun(ctx, "tcp://localhost:5555/0")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run, got)

	_, err = db.GetRun(ctx, "missing")
	assert.Error(t, err)
}

func TestSaveSnapshotRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	run, err := db.CreateRun(ctx, "env")
	require.NoError(t, err)

	info := testInfo()
	require.NoError(t, db.SaveSnapshot(ctx, run.ID, "out", info))

	arts, err := db.Artifacts(ctx, run.ID, false)
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.True(t, arts[0].Equal(info.Artifacts[0]))
	assert.True(t, arts[1].Equal(info.Candidates[0]))

	cands, err := db.Artifacts(ctx, run.ID, true)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, info.Candidates[0].Key(), cands[0].Key())

	agents, err := db.Agents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, 0.5, agents[0].Connections["tcp://localhost:5555/2"])
	assert.Equal(t, 1, agents[0].Published)
}

func TestSaveSnapshotUpserts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	run, err := db.CreateRun(ctx, "env")
	require.NoError(t, err)

	info := testInfo()
	require.NoError(t, db.SaveSnapshot(ctx, run.ID, "", info))
	info.Age = 4
	info.Agents[0].Age = 4
	require.NoError(t, db.SaveSnapshot(ctx, run.ID, "", info))

	n, err := db.Snapshots(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	agents, err := db.Agents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, 4, agents[0].Age)

	arts, err := db.Artifacts(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Len(t, arts, 2)
}

func TestSaveSnapshotUnknownRun(t *testing.T) {
	db := testDB(t)
	err := db.SaveSnapshot(context.Background(), "nope", "", testInfo())
	assert.Error(t, err)
}

func TestRuns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)

	a, err := db.CreateRun(ctx, "env-a")
	require.NoError(t, err)
	b, err := db.CreateRun(ctx, "env-b")
	require.NoError(t, err)

	runs, err = db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, []string{runs[0].ID, runs[1].ID})
}

func TestSaveVotes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	run, err := db.CreateRun(ctx, "env")
	require.NoError(t, err)

	info := testInfo()
	results := []vote.Scored{
		{Artifact: info.Candidates[0], Score: 2},
		{Artifact: info.Artifacts[0], Score: 1},
	}
	require.NoError(t, db.SaveVotes(ctx, run.ID, 2, vote.MethodIRV, results[:1]))
	require.NoError(t, db.SaveVotes(ctx, run.ID, 1, vote.MethodMean, results))

	got, err := db.Votes(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Round)
	assert.Equal(t, 1, got[0].Rank)
	assert.Equal(t, string(vote.MethodMean), got[0].Method)
	assert.Equal(t, info.Candidates[0].Key(), got[0].ArtifactKey)
	assert.Equal(t, 2, got[1].Rank)
	assert.Equal(t, 2, got[2].Round)
	assert.Equal(t, string(vote.MethodIRV), got[2].Method)
}
