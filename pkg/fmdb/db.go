package fmdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite драйвер

	"github.com/edwardaux/fmdb/pkg/retry"
)

// Options содержит настройки для подключения к SQLite базе данных.
type Options struct {
	// PingTimeout - таймаут для проверки соединения при открытии БД
	PingTimeout time.Duration
	// WALMode - использовать ли WAL режим журнала
	WALMode bool
	// ForeignKeys - включить ли проверку внешних ключей
	ForeignKeys bool
	// BusyTimeout - таймаут ожидания при SQLITE_BUSY
	BusyTimeout time.Duration
	// BusyRetry - настройки повторных попыток для BEGIN IMMEDIATE при SQLITE_BUSY
	BusyRetry retry.Config
	// Logger - логгер очереди; по умолчанию slog.Default()
	Logger *slog.Logger
}

// DefaultOptions возвращает настройки по умолчанию, оптимизированные для
// embedded использования: WAL, внешние ключи и короткие ретраи на busy.
func DefaultOptions() Options {
	return Options{
		PingTimeout: 5 * time.Second,
		WALMode:     true,
		ForeignKeys: true,
		BusyTimeout: 5 * time.Second,
		BusyRetry:   retry.DefaultConfig(),
	}
}

// DB представляет одно подключение к SQLite базе данных.
// DB не является потокобезопасным: все обращения к нему должны идти через
// Queue, который сериализует операции. Callback получает DB во временное
// пользование только на время выполнения unit of work.
type DB struct {
	pool *sql.DB
	conn *sql.Conn
	opts Options

	// mu защищает lastErr и openRows: Rows.Close может быть вызван
	// отложенно, уже вне unit of work.
	mu       sync.Mutex
	lastErr  error
	openRows map[uint64]*Rows
	rowsSeq  uint64
}

// openDB открывает подключение к SQLite по указанному пути.
// Пул ограничен ровно одним соединением: DB моделирует единственный handle,
// а не пул. PRAGMA настройки применяются сразу после открытия.
func openDB(ctx context.Context, path string, opts Options) (*DB, error) {
	// Создаем директорию для БД если её нет
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	pool, err := sql.Open("sqlite", buildDSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Ровно одно соединение: один писатель, один handle
	pool.SetMaxOpenConns(1)
	pool.SetMaxIdleConns(1)

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	// Закрепляем единственное соединение за DB на всё время его жизни
	conn, err := pool.Conn(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to acquire sqlite connection: %w", err)
	}

	db := &DB{
		pool:     pool,
		conn:     conn,
		opts:     opts,
		openRows: make(map[uint64]*Rows),
	}

	if err := db.applyPragmas(ctx); err != nil {
		_ = conn.Close()
		_ = pool.Close()
		return nil, fmt.Errorf("failed to apply PRAGMA settings: %w", err)
	}

	return db, nil
}

// buildDSN строит DSN строку с минимальными параметрами.
// Остальные настройки применяются через PRAGMA после открытия.
func buildDSN(path string, opts Options) string {
	params := []string{}

	if opts.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", int(opts.BusyTimeout.Milliseconds())))
	}

	if len(params) > 0 {
		return path + "?" + strings.Join(params, "&")
	}
	return path
}

// applyPragmas применяет PRAGMA настройки к закреплённому соединению.
func (db *DB) applyPragmas(ctx context.Context) error {
	pragmas := make([]string, 0, 4)

	if db.opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	if db.opts.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	pragmas = append(pragmas, "PRAGMA synchronous = NORMAL")
	if db.opts.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", int(db.opts.BusyTimeout.Milliseconds())))
	}

	for _, pragma := range pragmas {
		if _, err := db.conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close закрывает handle: сначала оставшиеся открытыми result sets,
// затем соединение и пул.
func (db *DB) Close() error {
	db.mu.Lock()
	leftover := make([]*Rows, 0, len(db.openRows))
	for _, r := range db.openRows {
		leftover = append(leftover, r)
	}
	db.mu.Unlock()

	errs := make([]error, 0, len(leftover)+2)
	for _, r := range leftover {
		errs = append(errs, r.Close())
	}
	errs = append(errs, db.conn.Close(), db.pool.Close())
	return errors.Join(errs...)
}

// Exec выполняет SQL запрос без результата (INSERT/UPDATE/DELETE/DDL).
// Ошибка дополнительно запоминается во флаге ошибки handle.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := db.conn.ExecContext(ctx, query, args...)
	db.recordError(err)
	return res, err
}

// Query выполняет SQL запрос и возвращает result set.
// Возвращённый Rows учитывается как открытый курсор до вызова Close.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	db.recordError(err)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	db.rowsSeq++
	r := &Rows{Rows: rows, db: db, id: db.rowsSeq}
	db.openRows[r.id] = r
	db.mu.Unlock()
	return r, nil
}

// HasError сообщает, завершилась ли ошибкой какая-либо операция
// с момента последнего сброса флага.
func (db *DB) HasError() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lastErr != nil
}

// LastError возвращает последнюю зафиксированную ошибку handle.
func (db *DB) LastError() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lastErr
}

func (db *DB) recordError(err error) {
	if err == nil {
		return
	}
	db.mu.Lock()
	db.lastErr = err
	db.mu.Unlock()
}

// clearError сбрасывает флаг ошибки перед началом unit of work.
func (db *DB) clearError() {
	db.mu.Lock()
	db.lastErr = nil
	db.mu.Unlock()
}

// HasOpenRows сообщает, остались ли незакрытые result sets.
func (db *DB) HasOpenRows() bool {
	return db.openRowsCount() > 0
}

func (db *DB) openRowsCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.openRows)
}

func (db *DB) forgetRows(id uint64) {
	db.mu.Lock()
	delete(db.openRows, id)
	db.mu.Unlock()
}

// begin начинает транзакцию: DEFERRED или IMMEDIATE.
// BEGIN IMMEDIATE захватывает RESERVED блокировку сразу и потому может
// получить SQLITE_BUSY - выполняется с ретраями.
func (db *DB) begin(ctx context.Context, deferred bool) error {
	if deferred {
		_, err := db.Exec(ctx, "BEGIN DEFERRED TRANSACTION")
		return err
	}
	err := retry.Do(ctx, db.opts.BusyRetry, func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, "BEGIN IMMEDIATE TRANSACTION")
		return err
	}, IsBusyErr)
	db.recordError(err)
	return err
}

func (db *DB) commit(ctx context.Context) error {
	_, err := db.Exec(ctx, "COMMIT TRANSACTION")
	return err
}

func (db *DB) rollback(ctx context.Context) error {
	_, err := db.Exec(ctx, "ROLLBACK TRANSACTION")
	return err
}

// Имена savepoint генерируются очередью и не требуют экранирования.
func (db *DB) savepoint(ctx context.Context, name string) error {
	_, err := db.Exec(ctx, "SAVEPOINT "+name)
	return err
}

func (db *DB) rollbackTo(ctx context.Context, name string) error {
	_, err := db.Exec(ctx, "ROLLBACK TRANSACTION TO SAVEPOINT "+name)
	return err
}

func (db *DB) release(ctx context.Context, name string) error {
	_, err := db.Exec(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// IsBusyErr проверяет, является ли ошибка SQLITE_BUSY.
func IsBusyErr(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database table is locked")
}

// Rows оборачивает sql.Rows и снимает курсор с учёта при закрытии.
type Rows struct {
	*sql.Rows
	db *DB
	id uint64

	closeOnce sync.Once
	closeErr  error
}

// Close закрывает result set. Повторные вызовы безопасны.
func (r *Rows) Close() error {
	r.closeOnce.Do(func() {
		r.db.forgetRows(r.id)
		r.closeErr = r.Rows.Close()
	})
	return r.closeErr
}
