// Package storage persists what a simulation run produced: environment
// snapshots, archived artifacts and voting results.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/vote"
)

// DB wraps a sql.DB connection to a SQLite archive.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    env TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    env TEXT NOT NULL,
    age INTEGER NOT NULL,
    folder TEXT,
    saved_at INTEGER NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE TABLE IF NOT EXISTS agents (
    run_id TEXT NOT NULL,
    addr TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT,
    age INTEGER NOT NULL,
    connections TEXT,
    published INTEGER DEFAULT 0,
    PRIMARY KEY (run_id, addr),
    FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE TABLE IF NOT EXISTS artifacts (
    run_id TEXT NOT NULL,
    key TEXT NOT NULL,
    creator TEXT NOT NULL,
    domain TEXT NOT NULL,
    data TEXT NOT NULL,
    candidate INTEGER DEFAULT 0,
    seq INTEGER NOT NULL,
    PRIMARY KEY (run_id, key),
    FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE TABLE IF NOT EXISTS votes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    round INTEGER NOT NULL,
    method TEXT NOT NULL,
    rank INTEGER NOT NULL,
    artifact_key TEXT NOT NULL,
    score REAL NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_creator ON artifacts(run_id, creator);
CREATE INDEX IF NOT EXISTS idx_votes_round ON votes(run_id, round);`
	_, err := d.db.Exec(schema)
	return err
}

// --- Runs ---

// CreateRun registers a new run for env and returns its ID.
func (d *DB) CreateRun(ctx context.Context, env string) (*Run, error) {
	r := &Run{ID: uuid.NewString(), Env: env, CreatedAt: time.Now().Unix()}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO runs (id, env, created_at) VALUES (?, ?, ?)`,
		r.ID, r.Env, r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

// GetRun retrieves a run by ID.
func (d *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, env, created_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Env, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// Runs lists every run, oldest first.
func (d *DB) Runs(ctx context.Context) ([]Run, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, env, created_at FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Env, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Snapshots ---

// SaveSnapshot records info under runID. Agents and artifacts are upserted,
// so repeated saves of a growing archive keep one row per artifact.
func (d *DB) SaveSnapshot(ctx context.Context, runID, folder string, info Info) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, env, age, folder, saved_at) VALUES (?, ?, ?, ?, ?)`,
		runID, info.Env, info.Age, folder, info.SavedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	for _, a := range info.Agents {
		conns, err := json.Marshal(a.Connections)
		if err != nil {
			return fmt.Errorf("encode connections of %s: %w", a.Addr, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (run_id, addr, name, kind, age, connections, published)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, addr) DO UPDATE SET
			   age = excluded.age, connections = excluded.connections, published = excluded.published`,
			runID, a.Addr, a.Name, a.Kind, a.Age, string(conns), a.Published,
		); err != nil {
			return fmt.Errorf("upsert agent %s: %w", a.Addr, err)
		}
	}

	candidate := make(map[string]bool, len(info.Candidates))
	for _, c := range info.Candidates {
		candidate[c.Key()] = true
	}
	all := append(append([]*artifact.Artifact(nil), info.Artifacts...), info.Candidates...)
	for seq, a := range artifact.Dedup(all) {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode artifact %s: %w", a, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (run_id, key, creator, domain, data, candidate, seq)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, key) DO UPDATE SET data = excluded.data, candidate = excluded.candidate`,
			runID, a.Key(), a.Creator(), a.Domain(), string(data), candidate[a.Key()], seq,
		); err != nil {
			return fmt.Errorf("upsert artifact %s: %w", a, err)
		}
	}
	return tx.Commit()
}

// Snapshots returns how many snapshots were saved for runID.
func (d *DB) Snapshots(ctx context.Context, runID string) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE run_id = ?`, runID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// Agents returns the stored agents of runID ordered by address.
func (d *DB) Agents(ctx context.Context, runID string) ([]AgentInfo, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT addr, name, kind, age, connections, published FROM agents WHERE run_id = ? ORDER BY addr`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentInfo
	for rows.Next() {
		var (
			a     AgentInfo
			conns string
		)
		if err := rows.Scan(&a.Addr, &a.Name, &a.Kind, &a.Age, &conns, &a.Published); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(conns), &a.Connections); err != nil {
			return nil, fmt.Errorf("decode connections of %s: %w", a.Addr, err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Artifacts returns the archived artifacts of runID in first-saved order.
// With candidatesOnly set, only artifacts that were candidates are returned.
func (d *DB) Artifacts(ctx context.Context, runID string, candidatesOnly bool) ([]*artifact.Artifact, error) {
	q := `SELECT data FROM artifacts WHERE run_id = ?`
	if candidatesOnly {
		q += ` AND candidate = 1`
	}
	rows, err := d.db.QueryContext(ctx, q+` ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var arts []*artifact.Artifact
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a := new(artifact.Artifact)
		if err := json.Unmarshal([]byte(data), a); err != nil {
			return nil, err
		}
		arts = append(arts, a)
	}
	return arts, rows.Err()
}

// --- Votes ---

// SaveVotes records the ranked results of one voting round.
func (d *DB) SaveVotes(ctx context.Context, runID string, round int, method vote.Method, results []vote.Scored) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin votes: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().Unix()
	for rank, r := range results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO votes (run_id, round, method, rank, artifact_key, score, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, round, string(method), rank+1, r.Artifact.Key(), r.Score, now,
		); err != nil {
			return fmt.Errorf("insert vote: %w", err)
		}
	}
	return tx.Commit()
}

// Votes returns every stored result of runID ordered by round and rank.
func (d *DB) Votes(ctx context.Context, runID string) ([]VoteRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT run_id, round, method, rank, artifact_key, score, created_at
		 FROM votes WHERE run_id = ? ORDER BY round, rank`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var out []VoteRecord
	for rows.Next() {
		var v VoteRecord
		if err := rows.Scan(&v.RunID, &v.Round, &v.Method, &v.Rank, &v.ArtifactKey, &v.Score, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
