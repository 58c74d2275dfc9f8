package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hookbot/internal/audit"
	"hookbot/internal/delivery"
	"hookbot/internal/notes"
	"hookbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &SQLiteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- notes ----

const noteColumns = `id, name, template, schedule, tags, webhook_ids, active, condition,
	variables, execution_count, last_execution_at, last_execution_status,
	last_execution_error, next_execution_at, waiting_deps, created_at, updated_at`

func (s *SQLiteStore) CreateNote(ctx context.Context, n *notes.Note, deps []notes.Dependency) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO notes(`+noteColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Name, n.Template, n.Schedule,
		jsonArr(n.Tags), jsonArr(n.WebhookIDs), boolInt(n.Active), n.Condition,
		jsonMap(n.Variables), n.ExecutionCount, timePtr(n.LastExecutionTime),
		string(n.LastExecutionStatus), n.LastExecutionError, timePtr(n.NextExecutionTime),
		boolInt(n.WaitingForDeps), fmtTime(n.CreatedAt), fmtTime(n.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrNameConflict, n.Name)
		}
		return err
	}
	if err := insertDeps(ctx, tx, n.ID, deps); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetNote(ctx context.Context, id string) (*notes.Note, []notes.Dependency, error) {
	// One transaction so the note and its edges are a consistent read.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = ? AND deleted_at IS NULL`, id)
	n, err := scanNote(row)
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT note_id, depends_on_id, required_status FROM note_deps WHERE note_id = ?`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var deps []notes.Dependency
	for rows.Next() {
		var d notes.Dependency
		if err := rows.Scan(&d.NoteID, &d.DependsOnID, &d.RequiredStatus); err != nil {
			return nil, nil, err
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return n, deps, tx.Commit()
}

func (s *SQLiteStore) GetNoteByName(ctx context.Context, name string) (*notes.Note, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE name = ? AND deleted_at IS NULL`, name)
	return scanNote(row)
}

func (s *SQLiteStore) UpdateNote(ctx context.Context, n *notes.Note, deps []notes.Dependency) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE notes SET name=?, template=?, schedule=?, tags=?, webhook_ids=?,
		 active=?, condition=?, variables=?, waiting_deps=?, next_execution_at=?, updated_at=?
		 WHERE id = ? AND deleted_at IS NULL`,
		n.Name, n.Template, n.Schedule, jsonArr(n.Tags), jsonArr(n.WebhookIDs),
		boolInt(n.Active), n.Condition, jsonMap(n.Variables), boolInt(n.WaitingForDeps),
		timePtr(n.NextExecutionTime), fmtTime(n.UpdatedAt), n.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrNameConflict, n.Name)
		}
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM note_deps WHERE note_id = ?`, n.ID); err != nil {
		return err
	}
	if err := insertDeps(ctx, tx, n.ID, deps); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateBookkeeping(ctx context.Context, id string, bk notes.Bookkeeping) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET execution_count=?, last_execution_at=?, last_execution_status=?,
		 last_execution_error=?, next_execution_at=?, waiting_deps=?, updated_at=?
		 WHERE id = ? AND deleted_at IS NULL`,
		bk.ExecutionCount, timePtr(bk.LastExecutionTime), string(bk.LastExecutionStatus),
		bk.LastExecutionError, timePtr(bk.NextExecutionTime), boolInt(bk.WaitingForDeps),
		fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWaiting flips the parked flag. Parking also clears the stored next
// execution time: a parked note has no timer, so a stale next-fire value
// must not survive in the row.
func (s *SQLiteStore) SetWaiting(ctx context.Context, id string, waiting bool) error {
	query := `UPDATE notes SET waiting_deps=?, updated_at=? WHERE id = ? AND deleted_at IS NULL`
	if waiting {
		query = `UPDATE notes SET waiting_deps=?, next_execution_at=NULL, updated_at=? WHERE id = ? AND deleted_at IS NULL`
	}
	res, err := s.db.ExecContext(ctx, query,
		boolInt(waiting), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteNote marks the note deleted and removes its dependency edges in
// both directions. The row itself is kept for the audit trail.
func (s *SQLiteStore) SoftDeleteNote(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE notes SET deleted_at=?, active=0, updated_at=? WHERE id = ? AND deleted_at IS NULL`,
		fmtTime(time.Now()), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM note_deps WHERE note_id = ? OR depends_on_id = ?`, id, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListActiveNotes(ctx context.Context) ([]*notes.Note, error) {
	return s.listNotes(ctx, `active = 1 AND deleted_at IS NULL`)
}

func (s *SQLiteStore) ListWaitingNotes(ctx context.Context) ([]*notes.Note, error) {
	return s.listNotes(ctx, `waiting_deps = 1 AND active = 1 AND deleted_at IS NULL`)
}

func (s *SQLiteStore) listNotes(ctx context.Context, where string) ([]*notes.Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE `+where+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*notes.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func insertDeps(ctx context.Context, tx *sql.Tx, noteID string, deps []notes.Dependency) error {
	for _, d := range deps {
		required := d.RequiredStatus
		if required == "" {
			required = notes.RequireSuccess
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO note_deps(note_id, depends_on_id, required_status) VALUES(?,?,?)`,
			noteID, d.DependsOnID, required); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*notes.Note, error) {
	var (
		n                    notes.Note
		tags, hooks, vars    string
		active, waiting      int
		lastAt, nextAt       sql.NullString
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&n.ID, &n.Name, &n.Template, &n.Schedule, &tags, &hooks, &active,
		&n.Condition, &vars, &n.ExecutionCount, &lastAt, &status, &n.LastExecutionError,
		&nextAt, &waiting, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Tags = parseArr(tags)
	n.WebhookIDs = parseArr(hooks)
	n.Active = active != 0
	n.Variables = parseMap(vars)
	n.LastExecutionStatus = notes.Status(status)
	n.LastExecutionTime = parseTimePtr(lastAt)
	n.NextExecutionTime = parseTimePtr(nextAt)
	n.WaitingForDeps = waiting != 0
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	return &n, nil
}

// ---- webhooks ----

func (s *SQLiteStore) CreateWebhook(ctx context.Context, w Webhook) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks(id, name, url, tags, created_at) VALUES(?,?,?,?,?)`,
		w.ID, w.Name, w.URL, jsonArr(w.Tags), fmtTime(w.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrNameConflict, w.Name)
	}
	return err
}

func (s *SQLiteStore) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, tags, created_at FROM webhooks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Webhook
	for rows.Next() {
		var (
			w    Webhook
			tags string
			at   string
		)
		if err := rows.Scan(&w.ID, &w.Name, &w.URL, &tags, &at); err != nil {
			return nil, err
		}
		w.Tags = parseArr(tags)
		w.CreatedAt = parseTime(at)
		out = append(out, w)
	}
	return out, rows.Err()
}

// ResolveWebhooks implements delivery.Resolver. Tag matching happens in Go;
// webhook counts are small and the tags column is a JSON array.
func (s *SQLiteStore) ResolveWebhooks(ctx context.Context, ids, tags []string) ([]delivery.Target, error) {
	hooks, err := s.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}

	var out []delivery.Target
	if len(ids) > 0 {
		want := map[string]bool{}
		for _, id := range ids {
			want[id] = true
		}
		for _, h := range hooks {
			if want[h.ID] {
				out = append(out, delivery.Target{ID: h.ID, Name: h.Name, URL: h.URL})
			}
		}
		return out, nil
	}

	for _, h := range hooks {
		if hasAnyTag(h.Tags, tags) {
			out = append(out, delivery.Target{ID: h.ID, Name: h.Name, URL: h.URL})
		}
	}
	return out, nil
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

// ---- audit ----

func (s *SQLiteStore) AppendAudit(ctx context.Context, e audit.Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var changes, meta string
	if len(e.Changes) > 0 {
		changes = jsonAny(e.Changes)
	}
	if len(e.Metadata) > 0 {
		meta = jsonAny(e.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(at, action, entity_type, entity_id, actor_user_id, actor_server_id, status, changes, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		fmtTime(e.At), e.Action, e.EntityType, e.EntityID,
		nullStr(e.ActorUserID), nullStr(e.ActorServerID), e.Status,
		nullStr(changes), nullStr(meta),
	)
	return err
}

// ListRecentAudit returns up to limit entries, newest first.
func (s *SQLiteStore) ListRecentAudit(ctx context.Context, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, action, entity_type, entity_id, actor_user_id, actor_server_id, status, changes, meta
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			at        string
			user, srv sql.NullString
			chg, meta sql.NullString
		)
		if err := rows.Scan(&at, &e.Action, &e.EntityType, &e.EntityID, &user, &srv, &e.Status, &chg, &meta); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		e.ActorUserID = user.String
		e.ActorServerID = srv.String
		if chg.Valid && chg.String != "" {
			_ = json.Unmarshal([]byte(chg.String), &e.Changes)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- encoding helpers ----

func jsonArr(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseArr(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func jsonMap(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseMap(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func jsonAny(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
