package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/migrations/*.sql
var revisionsFS embed.FS

const (
	revisionsGlob = "sql/migrations/*.sql"

	// Advisory-lock, сериализующий миграции таймлайн-хранилища между
	// инстансами entitlement-сервиса.
	timelineSchemaLockKey = int64(7011824)

	revisionHistoryDDL = `
CREATE TABLE IF NOT EXISTS entitlement_schema_revisions (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

// schemaRevision — пара up/down SQL одной версии схемы.
type schemaRevision struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// MigrateUp применяет до steps ещё не применённых ревизий схемы.
// steps=0 означает "все доступные".
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.runRevisions(ctx, func(ctx context.Context, m *migrator, revs []schemaRevision) error {
		return m.rollForward(ctx, revs, steps)
	})
}

// MigrateDown откатывает steps последних ревизий; steps<=0 трактуется
// как один шаг, чтобы случайный вызов не снёс всю схему.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.runRevisions(ctx, func(ctx context.Context, m *migrator, revs []schemaRevision) error {
		return m.rollBack(ctx, revs, steps)
	})
}

// MigrationStatus возвращает последнюю применённую версию схемы и число
// применённых ревизий.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errors.New("postgres store is not initialized")
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, revisionHistoryDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure revision history table: %w", err)
	}

	var (
		version int64
		count   int
	)
	row := s.db.QueryRowContext(queryCtx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM entitlement_schema_revisions`)
	if err := row.Scan(&version, &count); err != nil {
		return 0, 0, fmt.Errorf("query revision history: %w", err)
	}
	return version, count, nil
}

// runRevisions захватывает advisory-lock, готовит таблицу истории и
// передаёт управление конкретному направлению.
func (s *Store) runRevisions(ctx context.Context, apply func(context.Context, *migrator, []schemaRevision) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}

	revs, err := loadSchemaRevisions(revisionsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	m := &migrator{conn: conn}
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	if _, err := conn.ExecContext(ctx, revisionHistoryDDL); err != nil {
		return fmt.Errorf("ensure revision history table: %w", err)
	}

	return apply(ctx, m, revs)
}

// migrator держит выделенный коннект: advisory-lock в Postgres привязан
// к сессии, поэтому lock и сами ревизии обязаны идти через один Conn.
type migrator struct {
	conn *sql.Conn
}

func (m *migrator) lock(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := m.conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", timelineSchemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	return nil
}

func (m *migrator) unlock() {
	_, _ = m.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", timelineSchemaLockKey)
}

func (m *migrator) rollForward(ctx context.Context, revs []schemaRevision, steps int) error {
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	done := 0
	for _, rev := range revs {
		if applied[rev.Version] {
			continue
		}
		err := m.inTx(ctx, rev, "up", func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, rev.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO entitlement_schema_revisions (version, name, applied_at) VALUES ($1, $2, NOW())`,
				rev.Version, rev.Name)
			return err
		})
		if err != nil {
			return err
		}
		done++
		if steps > 0 && done >= steps {
			break
		}
	}
	return nil
}

func (m *migrator) rollBack(ctx context.Context, revs []schemaRevision, steps int) error {
	byVersion := make(map[int64]schemaRevision, len(revs))
	for _, rev := range revs {
		byVersion[rev.Version] = rev
	}

	versions, err := m.latestVersions(ctx, steps)
	if err != nil {
		return err
	}

	for _, version := range versions {
		rev, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("cannot rollback unknown schema revision %d", version)
		}
		err := m.inTx(ctx, rev, "down", func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, rev.Down); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`DELETE FROM entitlement_schema_revisions WHERE version = $1`, rev.Version)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// inTx выполняет одну ревизию и её запись в историю атомарно.
func (m *migrator) inTx(ctx context.Context, rev schemaRevision, direction string, fn func(*sql.Tx) error) error {
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s revision %d_%s: %w", direction, rev.Version, rev.Name, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply %s revision %d_%s: %w", direction, rev.Version, rev.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s revision %d_%s: %w", direction, rev.Version, rev.Name, err)
	}
	return nil
}

func (m *migrator) appliedVersions(ctx context.Context) (map[int64]bool, error) {
	rows, err := m.conn.QueryContext(ctx, `SELECT version FROM entitlement_schema_revisions`)
	if err != nil {
		return nil, fmt.Errorf("query applied revisions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied revision: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied revisions: %w", err)
	}
	return applied, nil
}

func (m *migrator) latestVersions(ctx context.Context, limit int) ([]int64, error) {
	rows, err := m.conn.QueryContext(ctx,
		`SELECT version FROM entitlement_schema_revisions ORDER BY version DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest revisions: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0, limit)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan latest revision: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest revisions: %w", err)
	}
	return versions, nil
}

// parseRevisionName разбирает имя файла вида NNNN_name.up.sql.
func parseRevisionName(base string) (version int64, name, direction string, err error) {
	stem, ok := strings.CutSuffix(base, ".sql")
	if !ok {
		return 0, "", "", fmt.Errorf("revision file %s: expected .sql extension", base)
	}
	stem, direction, ok = cutLastDot(stem)
	if !ok || (direction != "up" && direction != "down") {
		return 0, "", "", fmt.Errorf("revision file %s: expected .up.sql or .down.sql suffix", base)
	}
	versionRaw, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return 0, "", "", fmt.Errorf("revision file %s: expected NNNN_name prefix", base)
	}
	version, err = strconv.ParseInt(versionRaw, 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("revision file %s: bad version: %w", base, err)
	}
	return version, name, direction, nil
}

func cutLastDot(s string) (before, after string, found bool) {
	idx := strings.LastIndexByte(s, '.')
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}

// loadSchemaRevisions читает embed-каталог и собирает up/down пары.
// Каждая версия обязана иметь оба направления: ревизия без отката в
// production-хранилище blocking-состояний не принимается.
func loadSchemaRevisions(fsys fs.FS) ([]schemaRevision, error) {
	files, err := fs.Glob(fsys, revisionsGlob)
	if err != nil {
		return nil, fmt.Errorf("list schema revisions: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no schema revision files found")
	}

	revs := make(map[int64]*schemaRevision)
	for _, file := range files {
		base := path.Base(file)
		version, name, direction, err := parseRevisionName(base)
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read revision file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("revision file %s is empty", base)
		}

		rev, ok := revs[version]
		if !ok {
			rev = &schemaRevision{Version: version, Name: name}
			revs[version] = rev
		} else if rev.Name != name {
			return nil, fmt.Errorf("revision %d has conflicting names: %s vs %s", version, rev.Name, name)
		}

		switch direction {
		case "up":
			if rev.Up != "" {
				return nil, fmt.Errorf("duplicate up file for revision %d", version)
			}
			rev.Up = body
		case "down":
			if rev.Down != "" {
				return nil, fmt.Errorf("duplicate down file for revision %d", version)
			}
			rev.Down = body
		}
	}

	ordered := make([]schemaRevision, 0, len(revs))
	for _, rev := range revs {
		if rev.Up == "" || rev.Down == "" {
			return nil, fmt.Errorf("revision %d_%s must have both up and down files", rev.Version, rev.Name)
		}
		ordered = append(ordered, *rev)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })
	return ordered, nil
}
