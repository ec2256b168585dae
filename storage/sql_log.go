package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/interfaces"
)

// DefaultSQLTable is the table operations are appended to
const DefaultSQLTable = "mswitch_operations"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLLogOptions configures the SQLite and Postgres operation logs
type SQLLogOptions struct {
	// Dir holds the SQLite database file (sqlite only)
	Dir string
	// DSN is the Postgres connection string (postgres only)
	DSN     string
	Table   string
	Metrics interfaces.AppendMetrics
	Logger  *zap.Logger
}

type sqlDialect struct {
	backend   string
	schema    string
	insert    string
	returning bool
	selectAll string
	lastSeq   string
}

func newSQLiteDialect(table string) sqlDialect {
	return sqlDialect{
		backend: BackendSQLite,
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  seq         INTEGER PRIMARY KEY AUTOINCREMENT,
  record      BLOB NOT NULL,
  appended_at INTEGER NOT NULL
);`, table),
		insert:    fmt.Sprintf(`INSERT INTO %s (record, appended_at) VALUES (?, ?)`, table),
		selectAll: fmt.Sprintf(`SELECT seq, record FROM %s ORDER BY seq ASC`, table),
		lastSeq:   fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s`, table),
	}
}

func newPostgresDialect(table string) sqlDialect {
	return sqlDialect{
		backend: BackendPostgres,
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  seq         BIGSERIAL PRIMARY KEY,
  record      BYTEA NOT NULL,
  appended_at BIGINT NOT NULL
);`, table),
		insert:    fmt.Sprintf(`INSERT INTO %s (record, appended_at) VALUES ($1, $2) RETURNING seq`, table),
		returning: true,
		selectAll: fmt.Sprintf(`SELECT seq, record FROM %s ORDER BY seq ASC`, table),
		lastSeq:   fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s`, table),
	}
}

// SQLLog appends operations as rows keyed by an auto-increment sequence.
// Rows are replayed in sequence order.
type SQLLog struct {
	db       *sql.DB
	dialect  sqlDialect
	resource string
	metrics  interfaces.AppendMetrics
	logger   *zap.Logger
	nowFn    func() time.Time

	appends atomic.Uint64
	lastPos atomic.Uint64
	closed  atomic.Bool
}

// OpenSQLiteLog opens opts.Dir/operations.db with WAL journaling and
// synchronous=FULL
func OpenSQLiteLog(opts SQLLogOptions) (*SQLLog, error) {
	table, err := sqlTable(opts.Table)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.NewStorageUnavailable("open", BackendSQLite, fmt.Errorf("empty data directory"))
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.NewStorageUnavailable("open", opts.Dir, err)
	}

	dbPath := filepath.Join(opts.Dir, "operations.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.NewStorageUnavailable("open", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	l := newSQLLog(db, newSQLiteDialect(table), dbPath, opts)

	ctx := context.Background()
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, errors.NewStorageUnavailable("open", dbPath, fmt.Errorf("sqlite: set journal_mode=wal: %w", err))
	}
	if strings.ToLower(journalMode) != "wal" {
		_ = db.Close()
		return nil, errors.NewStorageUnavailable("open", dbPath, fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		_ = db.Close()
		return nil, errors.NewStorageUnavailable("open", dbPath, fmt.Errorf("sqlite: set synchronous=full: %w", err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, errors.NewStorageUnavailable("open", dbPath, fmt.Errorf("sqlite: set busy_timeout: %w", err))
	}

	if err := l.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// OpenPostgresLog connects to opts.DSN and creates the table if needed
func OpenPostgresLog(opts SQLLogOptions) (*SQLLog, error) {
	table, err := sqlTable(opts.Table)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, errors.NewStorageUnavailable("open", BackendPostgres, fmt.Errorf("empty postgres dsn"))
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.NewStorageUnavailable("open", BackendPostgres, err)
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.NewStorageUnavailable("open", BackendPostgres, err)
	}

	l := newSQLLog(db, newPostgresDialect(table), BackendPostgres+":"+table, opts)
	if err := l.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func newSQLLog(db *sql.DB, dialect sqlDialect, resource string, opts SQLLogOptions) *SQLLog {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLLog{
		db:       db,
		dialect:  dialect,
		resource: resource,
		metrics:  opts.Metrics,
		logger:   logger.With(zap.String("backend", dialect.backend)),
		nowFn:    time.Now,
	}
}

func sqlTable(name string) (string, error) {
	if name == "" {
		return DefaultSQLTable, nil
	}
	if !tableNamePattern.MatchString(name) {
		return "", errors.NewConfigValidationError("storage", "table", fmt.Sprintf("invalid table name %q", name))
	}
	return name, nil
}

func (l *SQLLog) init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, l.dialect.schema); err != nil {
		return errors.NewStorageUnavailable("migrate", l.resource, err)
	}

	var last int64
	if err := l.db.QueryRowContext(ctx, l.dialect.lastSeq).Scan(&last); err != nil {
		return errors.NewStorageUnavailable("open", l.resource, err)
	}
	l.lastPos.Store(uint64(last))

	l.logger.Debug("Opened SQL operation log", zap.String("resource", l.resource), zap.Int64("last_position", last))
	return nil
}

func (l *SQLLog) Append(ctx context.Context, record []byte) (interfaces.Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if l.closed.Load() {
		return 0, interfaces.ErrLogClosed
	}

	start := time.Now()
	var seq int64
	if l.dialect.returning {
		err := l.db.QueryRowContext(ctx, l.dialect.insert, record, l.nowFn().UnixNano()).Scan(&seq)
		if err != nil {
			return 0, l.appendFailed(err)
		}
	} else {
		res, err := l.db.ExecContext(ctx, l.dialect.insert, record, l.nowFn().UnixNano())
		if err != nil {
			return 0, l.appendFailed(err)
		}
		if seq, err = res.LastInsertId(); err != nil {
			return 0, l.appendFailed(err)
		}
	}

	l.appends.Add(1)
	for {
		cur := l.lastPos.Load()
		if uint64(seq) <= cur || l.lastPos.CompareAndSwap(cur, uint64(seq)) {
			break
		}
	}
	if l.metrics != nil {
		l.metrics.RecordLogAppend(l.dialect.backend)
		l.metrics.RecordLogFsync(l.dialect.backend, time.Since(start).Seconds())
	}
	return interfaces.Position(seq), nil
}

func (l *SQLLog) appendFailed(err error) error {
	if l.metrics != nil {
		l.metrics.RecordLogAppendError(l.dialect.backend)
	}
	return errors.NewStorageUnavailable("append", l.resource, err)
}

func (l *SQLLog) Replay(ctx context.Context, fn interfaces.ReplayFunc) error {
	rows, err := l.db.QueryContext(ctx, l.dialect.selectAll)
	if err != nil {
		return errors.NewStorageUnavailable("replay", l.resource, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq    int64
			record []byte
		)
		if err := rows.Scan(&seq, &record); err != nil {
			return errors.NewStorageCorruption("replay", l.resource, err)
		}
		if err := fn(interfaces.Position(seq), record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errors.NewStorageUnavailable("replay", l.resource, err)
	}
	return nil
}

func (l *SQLLog) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.db.Close()
}

func (l *SQLLog) Stats() interfaces.LogStats {
	return interfaces.LogStats{
		Backend: l.dialect.backend,
		Appends: l.appends.Load(),
		LastPos: interfaces.Position(l.lastPos.Load()),
	}
}
