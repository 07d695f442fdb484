package fmdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/edwardaux/fmdb/pkg/dispatch"
)

// ErrQueueClosed возвращается после Shutdown: очередь больше не принимает работу.
var ErrQueueClosed = errors.New("fmdb: queue closed")

// UnitFunc - пользовательский callback обычного unit of work.
// ctx несёт маркер очереди: вложенные вызовы Within*/Run* с этим ctx
// выполняются inline, без повторной постановки в очередь.
type UnitFunc func(ctx context.Context, db *DB)

// TxFunc - callback транзакции или savepoint. Установка *rollback в true
// приводит к откату вместо коммита после возврата из callback.
type TxFunc func(ctx context.Context, db *DB, rollback *bool)

// Queue обеспечивает сериализованный доступ к одному SQLite подключению.
// Подключение SQLite небезопасно для одновременного использования из
// нескольких goroutine; Queue гарантирует, что все операции выполняются
// строго по одной, в порядке поступления, сколько бы goroutine их ни
// отправляло. Код, уже выполняющийся внутри unit of work, может повторно
// входить в очередь без deadlock.
type Queue struct {
	path string
	opts Options
	log  *slog.Logger
	disp *dispatch.SerialQueue

	// db мутируется только изнутри unit of work (и при конструировании,
	// до того как исполнитель вообще нужен). nil означает "handle закрыт";
	// следующий unit откроет его заново.
	db *DB

	// spSeq нумерует имена savepoint, уникальные в пределах жизни очереди.
	spSeq atomic.Uint64
}

// New создает очередь и сразу открывает базу данных по указанному пути.
// При неудачном открытии очередь не создается.
func New(path string) (*Queue, error) {
	return NewWithOptions(path, DefaultOptions())
}

// NewWithOptions создает очередь с заданными настройками подключения.
func NewWithOptions(path string, opts Options) (*Queue, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	// Первое открытие выполняется до запуска исполнителя: до появления
	// очереди конкурировать за handle некому.
	db, err := openDB(context.Background(), path, opts)
	if err != nil {
		return nil, fmt.Errorf("fmdb: open %s: %w", path, err)
	}

	return &Queue{
		path: path,
		opts: opts,
		log:  log,
		disp: dispatch.New(),
		db:   db,
	}, nil
}

// Path возвращает путь к файлу базы данных.
func (q *Queue) Path() string {
	return q.path
}

// handle возвращает открытый handle, лениво переоткрывая его после Close.
func (q *Queue) handle(ctx context.Context) (*DB, error) {
	if q.db != nil {
		return q.db, nil
	}
	db, err := openDB(ctx, q.path, q.opts)
	if err != nil {
		return nil, fmt.Errorf("fmdb: reopen %s: %w", q.path, err)
	}
	q.log.DebugContext(ctx, "database reopened", slog.String("path", q.path))
	q.db = db
	return db, nil
}

// warnOpenRows пишет диагностику об оставшихся открытыми result sets.
// Это предупреждение о корректности вызывающего кода, а не ошибка:
// некоторые сценарии сознательно держат курсор между unit of work.
func (q *Queue) warnOpenRows(ctx context.Context, db *DB) {
	if n := db.openRowsCount(); n > 0 {
		q.log.WarnContext(ctx, "unit of work left result sets open",
			slog.Int("count", n),
			slog.String("path", q.path),
		)
	}
}

// Within выполняет fn как один unit of work, строго после всей ранее
// отправленной работы. Возвращает ошибку открытия handle либо ошибку,
// зафиксированную handle во время callback.
//
// Вложенный вызов из уже выполняющегося unit of work (с ctx, полученным
// callback'ом) выполняется inline и не ждёт сам себя.
func (q *Queue) Within(ctx context.Context, fn UnitFunc) error {
	reentrant := q.disp.OnQueue(ctx)
	var res error
	err := q.disp.Sync(ctx, func(ctx context.Context) {
		db, err := q.handle(ctx)
		if err != nil {
			res = err
			return
		}
		// Во вложенном вызове флаг ошибки не сбрасываем: он принадлежит
		// объемлющему unit of work.
		if !reentrant {
			db.clearError()
		}
		fn(ctx, db)
		if err := db.LastError(); err != nil {
			res = fmt.Errorf("fmdb: unit of work: %w", err)
		}
		q.warnOpenRows(ctx, db)
	})
	if err != nil {
		return q.mapDispatchErr(err)
	}
	return res
}

// WithinTx выполняет fn внутри IMMEDIATE транзакции как один unit of work:
// BEGIN, callback и COMMIT/ROLLBACK неделимы относительно другой работы.
// Если callback установил rollback в true, транзакция откатывается,
// иначе коммитится. Ошибка BEGIN пропускает callback.
func (q *Queue) WithinTx(ctx context.Context, fn TxFunc) error {
	return q.withinTx(ctx, false, fn)
}

// WithinDeferredTx выполняет fn внутри DEFERRED транзакции.
// Семантика идентична WithinTx, но блокировка откладывается до первого
// обращения к данным.
func (q *Queue) WithinDeferredTx(ctx context.Context, fn TxFunc) error {
	return q.withinTx(ctx, true, fn)
}

func (q *Queue) withinTx(ctx context.Context, deferred bool, fn TxFunc) error {
	reentrant := q.disp.OnQueue(ctx)
	var res error
	err := q.disp.Sync(ctx, func(ctx context.Context) {
		db, err := q.handle(ctx)
		if err != nil {
			res = err
			return
		}
		// Флаг ошибки вложенного вызова принадлежит объемлющему unit of work
		if !reentrant {
			db.clearError()
		}

		if err := db.begin(ctx, deferred); err != nil {
			res = fmt.Errorf("fmdb: begin transaction: %w", err)
			return
		}

		var rollback bool
		fn(ctx, db, &rollback)

		if rollback {
			if err := db.rollback(ctx); err != nil {
				res = fmt.Errorf("fmdb: rollback transaction: %w", err)
			}
		} else if err := db.commit(ctx); err != nil {
			res = fmt.Errorf("fmdb: commit transaction: %w", err)
		}
		q.warnOpenRows(ctx, db)
	})
	if err != nil {
		return q.mapDispatchErr(err)
	}
	return res
}

// WithinSavepoint выполняет fn внутри savepoint с уникальным именем.
// Savepoint может быть вложен в транзакцию или другой savepoint: вызов из
// callback'а выполняется inline внутри того же unit of work, поэтому
// вложенность корректна и deadlock невозможен. rollback=true откатывает
// только изменения внутри savepoint, объемлющая транзакция продолжается.
func (q *Queue) WithinSavepoint(ctx context.Context, fn TxFunc) error {
	// Счётчик монотонный в пределах очереди: имя не может совпасть с
	// ещё не освобождённым внешним savepoint.
	name := fmt.Sprintf("savePoint%d", q.spSeq.Add(1)-1)

	var res error
	err := q.disp.Sync(ctx, func(ctx context.Context) {
		db, err := q.handle(ctx)
		if err != nil {
			res = err
			return
		}

		if err := db.savepoint(ctx, name); err != nil {
			res = fmt.Errorf("fmdb: savepoint %s: %w", name, err)
			return
		}

		var rollback bool
		fn(ctx, db, &rollback)

		if rollback {
			if err := db.rollbackTo(ctx, name); err != nil {
				res = fmt.Errorf("fmdb: rollback to savepoint %s: %w", name, err)
			}
		}
		// RELEASE нужен и после отката: ROLLBACK TO оставляет savepoint открытым
		if err := db.release(ctx, name); err != nil {
			res = fmt.Errorf("fmdb: release savepoint %s: %w", name, err)
		}
	})
	if err != nil {
		return q.mapDispatchErr(err)
	}
	return res
}

// Run - вариант Within с отбрасыванием ошибки: она логируется и не
// возвращается вызывающему.
func (q *Queue) Run(ctx context.Context, fn UnitFunc) {
	q.dropErr(ctx, q.Within(ctx, fn))
}

// RunTx - вариант WithinTx с отбрасыванием ошибки.
func (q *Queue) RunTx(ctx context.Context, fn TxFunc) {
	q.dropErr(ctx, q.WithinTx(ctx, fn))
}

// RunDeferredTx - вариант WithinDeferredTx с отбрасыванием ошибки.
func (q *Queue) RunDeferredTx(ctx context.Context, fn TxFunc) {
	q.dropErr(ctx, q.WithinDeferredTx(ctx, fn))
}

// RunSavepoint - вариант WithinSavepoint с отбрасыванием ошибки.
func (q *Queue) RunSavepoint(ctx context.Context, fn TxFunc) {
	q.dropErr(ctx, q.WithinSavepoint(ctx, fn))
}

func (q *Queue) dropErr(ctx context.Context, err error) {
	if err != nil {
		q.log.ErrorContext(ctx, "discarded unit of work error",
			slog.Any("err", err),
			slog.String("path", q.path),
		)
	}
}

// Close закрывает handle базы данных. Закрытие само является unit of work,
// поэтому не может пересечься с уже идущей операцией. Очередь остаётся
// рабочей: следующий unit лениво переоткроет базу.
func (q *Queue) Close(ctx context.Context) error {
	var res error
	err := q.disp.Sync(ctx, func(ctx context.Context) {
		if q.db == nil {
			return
		}
		res = q.db.Close()
		q.db = nil
	})
	if err != nil {
		return q.mapDispatchErr(err)
	}
	return res
}

// Shutdown закрывает handle и останавливает исполнителя. После Shutdown
// все операции возвращают ErrQueueClosed. Вызов изнутри unit of work
// запрещён: исполнитель не может дождаться сам себя.
func (q *Queue) Shutdown(ctx context.Context) error {
	if q.disp.OnQueue(ctx) {
		return errors.New("fmdb: Shutdown called from inside a unit of work")
	}
	err := q.Close(ctx)
	q.disp.Close()
	return err
}

func (q *Queue) mapDispatchErr(err error) error {
	if errors.Is(err, dispatch.ErrClosed) {
		return ErrQueueClosed
	}
	return err
}
