// ABOUTME: SQL-backed Store for SQLite (mattn/go-sqlite3) and PostgreSQL (pgx stdlib driver).
// ABOUTME: Records are stored as JSON documents with an integer version column used for compare-and-swap updates.
package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389-research/tusk/plan"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// maxCASAttempts bounds how often Update re-reads a record after losing a race.
const maxCASAttempts = 16

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const sqlSchema = `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plan_executions (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version BIGINT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS node_executions (
		id TEXT PRIMARY KEY,
		plan_execution_id TEXT NOT NULL,
		plan_node_id TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		version BIGINT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS node_executions_plan_exec ON node_executions (plan_execution_id, created_at);

	CREATE TABLE IF NOT EXISTS callbacks (
		callback_id TEXT PRIMARY KEY,
		node_execution_id TEXT NOT NULL
	);`

// SQLStore persists executions in a relational database. It is safe for use
// by several engine processes sharing one database.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens or creates a SQLite database at path and ensures the schema.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers; the version check still guards
	// against other processes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return newSQLStore(db, dialectSQLite)
}

// OpenPostgres connects to PostgreSQL using a pgx connection string.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newSQLStore(db, dialectPostgres)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders into the dialect's form.
func (s *SQLStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO plans (id, body) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`),
		p.ID, string(body))
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

func (s *SQLStore) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q("SELECT body FROM plans WHERE id = ?"), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLStore) CreatePlanExecution(ctx context.Context, pe *PlanExecution) error {
	pe.Version = 1
	body, err := json.Marshal(pe)
	if err != nil {
		return fmt.Errorf("encode plan execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO plan_executions (id, plan_id, status, version, body) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`),
		pe.ID, pe.PlanID, string(pe.Status), pe.Version, string(body))
	if err != nil {
		return fmt.Errorf("insert plan execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLStore) GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q("SELECT body FROM plan_executions WHERE id = ?"), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query plan execution: %w", err)
	}
	var pe PlanExecution
	if err := json.Unmarshal([]byte(body), &pe); err != nil {
		return nil, fmt.Errorf("decode plan execution %s: %w", id, err)
	}
	return &pe, nil
}

func (s *SQLStore) UpdatePlanExecution(ctx context.Context, id string, mutate func(*PlanExecution) error) (*PlanExecution, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.GetPlanExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := cur.Version
		if err := mutate(cur); err != nil {
			return nil, err
		}
		cur.ID = id
		cur.Version = expected + 1
		body, err := json.Marshal(cur)
		if err != nil {
			return nil, fmt.Errorf("encode plan execution: %w", err)
		}
		res, err := s.db.ExecContext(ctx, s.q(
			`UPDATE plan_executions SET status = ?, version = ?, body = ? WHERE id = ? AND version = ?`),
			string(cur.Status), cur.Version, string(body), id, expected)
		if err != nil {
			return nil, fmt.Errorf("update plan execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return cur, nil
		}
	}
	return nil, fmt.Errorf("plan execution %s: %w", id, ErrVersionConflict)
}

func (s *SQLStore) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	ne.Version = 1
	body, err := json.Marshal(ne)
	if err != nil {
		return fmt.Errorf("encode node execution: %w", err)
	}
	created := ne.StartedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO node_executions (id, plan_execution_id, plan_node_id, parent_id, status, created_at, version, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`),
		ne.ID, ne.PlanExecutionID, ne.PlanNodeID, ne.ParentID, string(ne.Status), created.UnixNano(), ne.Version, string(body))
	if err != nil {
		return fmt.Errorf("insert node execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return s.indexCallbacks(ctx, ne)
}

func (s *SQLStore) indexCallbacks(ctx context.Context, ne *NodeExecution) error {
	for _, cb := range ne.CallbackIDs {
		if _, err := s.db.ExecContext(ctx, s.q(
			`INSERT INTO callbacks (callback_id, node_execution_id) VALUES (?, ?)
			 ON CONFLICT(callback_id) DO NOTHING`),
			cb, ne.ID); err != nil {
			return fmt.Errorf("index callback %s: %w", cb, err)
		}
	}
	return nil
}

func (s *SQLStore) GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q("SELECT body FROM node_executions WHERE id = ?"), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("node execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query node execution: %w", err)
	}
	return decodeNodeExecution(id, body)
}

func decodeNodeExecution(id, body string) (*NodeExecution, error) {
	var ne NodeExecution
	if err := json.Unmarshal([]byte(body), &ne); err != nil {
		return nil, fmt.Errorf("decode node execution %s: %w", id, err)
	}
	return &ne, nil
}

func (s *SQLStore) UpdateNodeExecution(ctx context.Context, id string, mutate func(*NodeExecution) error) (*NodeExecution, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.GetNodeExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := cur.Version
		if err := mutate(cur); err != nil {
			return nil, err
		}
		cur.ID = id
		cur.Version = expected + 1
		body, err := json.Marshal(cur)
		if err != nil {
			return nil, fmt.Errorf("encode node execution: %w", err)
		}
		res, err := s.db.ExecContext(ctx, s.q(
			`UPDATE node_executions SET status = ?, version = ?, body = ? WHERE id = ? AND version = ?`),
			string(cur.Status), cur.Version, string(body), id, expected)
		if err != nil {
			return nil, fmt.Errorf("update node execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if err := s.indexCallbacks(ctx, cur); err != nil {
				return nil, err
			}
			return cur, nil
		}
	}
	return nil, fmt.Errorf("node execution %s: %w", id, ErrVersionConflict)
}

func (s *SQLStore) FindByCallbackID(ctx context.Context, callbackID string) (*NodeExecution, error) {
	var id, body string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT n.id, n.body FROM callbacks c JOIN node_executions n ON n.id = c.node_execution_id
		 WHERE c.callback_id = ?`), callbackID).Scan(&id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("callback", callbackID)
	}
	if err != nil {
		return nil, fmt.Errorf("query callback: %w", err)
	}
	return decodeNodeExecution(id, body)
}

func (s *SQLStore) ListNodeExecutions(ctx context.Context, planExecutionID string, filter Filter) ([]*NodeExecution, error) {
	query := "SELECT id, body FROM node_executions WHERE plan_execution_id = ?"
	args := []any{planExecutionID}
	if filter.ParentID != "" {
		query += " AND parent_id = ?"
		args = append(args, filter.ParentID)
	}
	if filter.PlanNodeID != "" {
		query += " AND plan_node_id = ?"
		args = append(args, filter.PlanNodeID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query node executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*NodeExecution
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan node execution row: %w", err)
		}
		ne, err := decodeNodeExecution(id, body)
		if err != nil {
			return nil, err
		}
		if filter.Matches(ne) {
			out = append(out, ne)
		}
	}
	return out, rows.Err()
}
