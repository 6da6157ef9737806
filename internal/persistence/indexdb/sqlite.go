package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/protocol"
	"voxelcrew.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary copy of the audit log. Writes are
// queued and applied by a single goroutine in batched transactions; the
// compressed JSONL files stay the source of truth.
type SQLiteIndex struct {
	db  *sql.DB
	run string

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAudit atomic.Uint64
}

// Timestamps are stored fixed-width so text order is time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqFlush
)

type req struct {
	kind  reqKind
	audit bus.AuditRecord
	done  chan struct{}
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropAuditTotal uint64
}

// Transition is one indexed agent.state.v1 record.
type Transition struct {
	Run      string
	Seq      uint64
	Agent    string
	Previous string
	State    string
	Trigger  string
	Reason   string
	At       time.Time
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		run: uuid.NewString(),
		ch:  make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			run TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			context TEXT NOT NULL,
			ts TEXT NOT NULL,
			recipients TEXT NOT NULL,
			faults INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_context ON audits(context, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_type ON audits(type);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			run TEXT NOT NULL,
			seq INTEGER NOT NULL,
			agent TEXT NOT NULL,
			previous TEXT NOT NULL,
			state TEXT NOT NULL,
			trigger TEXT NOT NULL,
			reason TEXT,
			ts TEXT NOT NULL,
			PRIMARY KEY (run, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_agent ON transitions(agent, ts);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Run is the id that distinguishes this process's sequence numbers from
// earlier runs sharing the same database.
func (s *SQLiteIndex) Run() string { return s.run }

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropAuditTotal: s.dropAudit.Load(),
	}
}

// WriteAudit implements bus.AuditSink. It never blocks the bus: when the
// writer falls behind the record is dropped and counted.
func (s *SQLiteIndex) WriteAudit(rec bus.AuditRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: rec}:
	default:
		s.dropAudit.Add(1)
	}
	return nil
}

// Flush waits until every queued record is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordTuning stores the effective configuration with its digest.
func (s *SQLiteIndex) RecordTuning(ctx context.Context, t tuning.Tuning) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('last_run',?)`, s.run); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES('tuning',?,?,?)`,
		hex.EncodeToString(sum[:]), string(b), now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// TuningDigest returns the digest of the last recorded configuration.
func (s *SQLiteIndex) TuningDigest(ctx context.Context) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM configs WHERE name='tuning'`).Scan(&d)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return d, err
}

// ByContext returns every indexed record of one workflow, oldest first.
func (s *SQLiteIndex) ByContext(ctx context.Context, correlation string) ([]bus.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw_json FROM audits WHERE context = ? ORDER BY ts, seq`, correlation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bus.AuditRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec bus.AuditRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByType counts indexed records per message type.
func (s *SQLiteIndex) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM audits GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// Transitions returns the lifecycle history of one agent, oldest first.
func (s *SQLiteIndex) Transitions(ctx context.Context, agent string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run, seq, agent, previous, state, trigger, COALESCE(reason,''), ts
		 FROM transitions WHERE agent = ? ORDER BY ts, seq`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var seq int64
		var ts string
		if err := rows.Scan(&tr.Run, &seq, &tr.Agent, &tr.Previous, &tr.State, &tr.Trigger, &tr.Reason, &ts); err != nil {
			return nil, err
		}
		tr.Seq = uint64(seq)
		tr.At, _ = time.Parse(tsLayout, ts)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(run,seq,type,source,target,context,ts,recipients,faults,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertTransition, _ := s.db.Prepare(`INSERT OR REPLACE INTO transitions(run,seq,agent,previous,state,trigger,reason,ts) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
		if insertTransition != nil {
			_ = insertTransition.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		rec := r.audit
		env := rec.Envelope
		ts := env.Timestamp.UTC().Format(tsLayout)
		raw, _ := json.Marshal(rec)
		if insertAudit != nil {
			if _, err := tx.Stmt(insertAudit).Exec(
				s.run,
				int64(rec.Seq),
				env.Type,
				env.Source,
				env.Target,
				env.Context,
				ts,
				strings.Join(rec.Recipients, ","),
				len(rec.Faults),
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		if env.Type == protocol.TypeAgentState && insertTransition != nil {
			if st, err := protocol.Decode[protocol.AgentStateMsg](env); err == nil {
				if _, err := tx.Stmt(insertTransition).Exec(
					s.run,
					int64(rec.Seq),
					st.Agent,
					st.Previous,
					st.State,
					st.Trigger,
					st.Reason,
					ts,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
