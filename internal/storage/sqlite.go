package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tgmonitor/internal/clock"
	"tgmonitor/internal/domain"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS keyword_config (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	keyword_content TEXT NOT NULL UNIQUE,
	keyword_type INTEGER NOT NULL DEFAULT 1,
	keyword_action INTEGER NOT NULL DEFAULT 1,
	is_case_sensitive INTEGER NOT NULL DEFAULT 0,
	is_bold INTEGER NOT NULL DEFAULT 0,
	is_italic INTEGER NOT NULL DEFAULT 0,
	is_underline INTEGER NOT NULL DEFAULT 0,
	is_strike_through INTEGER NOT NULL DEFAULT 0,
	is_quote INTEGER NOT NULL DEFAULT 0,
	is_monospace INTEGER NOT NULL DEFAULT 0,
	is_spoiler INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_keyword_config_created_at ON keyword_config(created_at);
`

const selectColumns = `id, keyword_content, keyword_type, keyword_action, is_case_sensitive,
	is_bold, is_italic, is_underline, is_strike_through, is_quote, is_monospace, is_spoiler,
	created_at, updated_at`

// Repository persists keyword rules in SQLite.
type Repository struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating when needed) the keyword database and applies the schema.
// Params: SQLite DSN or file path and clock for timestamps.
// Returns: repository or open/migrate error.
func Open(dsn string, c clock.Clock) (*Repository, error) {
	if c == nil {
		c = clock.RealClock{}
	}
	if path := filePathOf(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Repository{db: db, clock: c}, nil
}

// filePathOf returns the on-disk path of a DSN, or "" for in-memory databases.
func filePathOf(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// List returns every rule, newest first.
// Params: ctx for cancellation.
// Returns: rules ordered by created_at desc, id desc.
func (r *Repository) List(ctx context.Context) ([]domain.KeywordRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM keyword_config ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer rows.Close()

	rules := make([]domain.KeywordRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keywords: %w", err)
	}
	return rules, nil
}

// Get loads one rule.
// Params: rule id.
// Returns: rule or domain.ErrNotFound.
func (r *Repository) Get(ctx context.Context, id int64) (domain.KeywordRule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM keyword_config WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.KeywordRule{}, fmt.Errorf("keyword %d: %w", id, domain.ErrNotFound)
	}
	return rule, err
}

// ExistsByContent reports whether content is already used by another rule.
// Params: content and id to ignore (0 checks all rows).
// Returns: true when a conflicting row exists.
func (r *Repository) ExistsByContent(ctx context.Context, content string, excludeID int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM keyword_config WHERE keyword_content = ? AND id <> ?`, content, excludeID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check keyword content: %w", err)
	}
	return count > 0, nil
}

// Create inserts one rule and stamps its timestamps.
// Params: rule without id.
// Returns: stored rule or ErrDuplicateKeyword.
func (r *Repository) Create(ctx context.Context, rule domain.KeywordRule) (domain.KeywordRule, error) {
	created, err := r.insert(ctx, r.db, rule)
	if err != nil {
		return domain.KeywordRule{}, err
	}
	return created, nil
}

// CreateBatch inserts rules in one transaction; any failure rolls back all of them.
// Params: rules without ids.
// Returns: stored rules in input order or ErrDuplicateKeyword.
func (r *Repository) CreateBatch(ctx context.Context, rules []domain.KeywordRule) ([]domain.KeywordRule, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]domain.KeywordRule, 0, len(rules))
	for _, rule := range rules {
		created, err := r.insert(ctx, tx, rule)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *Repository) insert(ctx context.Context, db execer, rule domain.KeywordRule) (domain.KeywordRule, error) {
	now := r.clock.Now().UTC().Truncate(time.Millisecond)
	rule.CreatedAt = now
	rule.UpdatedAt = now

	res, err := db.ExecContext(ctx, `INSERT INTO keyword_config (
		keyword_content, keyword_type, keyword_action, is_case_sensitive,
		is_bold, is_italic, is_underline, is_strike_through, is_quote, is_monospace, is_spoiler,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.Content, int(rule.Type), int(rule.Action), rule.CaseSensitive,
		rule.Bold, rule.Italic, rule.Underline, rule.Strikethrough, rule.Quote, rule.Monospace, rule.Spoiler,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return domain.KeywordRule{}, classifyWriteError(rule.Content, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.KeywordRule{}, fmt.Errorf("read inserted id: %w", err)
	}
	rule.ID = id
	return rule, nil
}

// Update overwrites every mutable column of an existing rule.
// Params: rule with id.
// Returns: stored rule, ErrNotFound or ErrDuplicateKeyword.
func (r *Repository) Update(ctx context.Context, rule domain.KeywordRule) (domain.KeywordRule, error) {
	rule.UpdatedAt = r.clock.Now().UTC().Truncate(time.Millisecond)
	res, err := r.db.ExecContext(ctx, `UPDATE keyword_config SET
		keyword_content = ?, keyword_type = ?, keyword_action = ?, is_case_sensitive = ?,
		is_bold = ?, is_italic = ?, is_underline = ?, is_strike_through = ?, is_quote = ?,
		is_monospace = ?, is_spoiler = ?, updated_at = ?
	WHERE id = ?`,
		rule.Content, int(rule.Type), int(rule.Action), rule.CaseSensitive,
		rule.Bold, rule.Italic, rule.Underline, rule.Strikethrough, rule.Quote,
		rule.Monospace, rule.Spoiler, rule.UpdatedAt.UnixMilli(), rule.ID,
	)
	if err != nil {
		return domain.KeywordRule{}, classifyWriteError(rule.Content, err)
	}
	if err := expectRows(res, rule.ID); err != nil {
		return domain.KeywordRule{}, err
	}
	return rule, nil
}

// Delete removes one rule.
// Params: rule id.
// Returns: ErrNotFound when nothing was deleted.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM keyword_config WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete keyword %d: %w", id, err)
	}
	return expectRows(res, id)
}

// DeleteMany removes rules by id; unknown ids are ignored.
// Params: rule ids.
// Returns: number of deleted rows.
func (r *Repository) DeleteMany(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM keyword_config WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete keywords: %w", err)
	}
	return res.RowsAffected()
}

func expectRows(res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("keyword %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// classifyWriteError maps unique violations to ErrDuplicateKeyword.
func classifyWriteError(content string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && isUniqueViolation(sqliteErr) {
		return fmt.Errorf("keyword %q: %w", content, domain.ErrDuplicateKeyword)
	}
	return fmt.Errorf("write keyword %q: %w", content, err)
}

func isUniqueViolation(err *sqlite.Error) bool {
	code := err.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(err.Error(), "UNIQUE")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (domain.KeywordRule, error) {
	var (
		rule                 domain.KeywordRule
		keywordType, action  int
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&rule.ID, &rule.Content, &keywordType, &action, &rule.CaseSensitive,
		&rule.Bold, &rule.Italic, &rule.Underline, &rule.Strikethrough, &rule.Quote, &rule.Monospace, &rule.Spoiler,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.KeywordRule{}, err
		}
		return domain.KeywordRule{}, fmt.Errorf("scan keyword: %w", err)
	}
	rule.Type = domain.KeywordType(keywordType)
	rule.Action = domain.KeywordAction(action)
	rule.CreatedAt = time.UnixMilli(createdAt).UTC()
	rule.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rule, nil
}
