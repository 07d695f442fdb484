package fmdb

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueueWithTable(t *testing.T) *Queue {
	t.Helper()

	q := NewTestQueue(t)
	err := q.Within(context.Background(), func(ctx context.Context, db *DB) {
		_, _ = db.Exec(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)")
	})
	require.NoError(t, err)
	return q
}

func countRows(t *testing.T, q *Queue) int {
	t.Helper()

	var count int
	err := q.Within(context.Background(), func(ctx context.Context, db *DB) {
		rows, err := db.Query(ctx, "SELECT COUNT(*) FROM test")
		require.NoError(t, err)
		defer rows.Close()
		require.True(t, rows.Next())
		require.NoError(t, rows.Scan(&count))
	})
	require.NoError(t, err)
	return count
}

func TestNew_BadPath(t *testing.T) {
	// Путь, где компонент директории является обычным файлом
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	q, err := New(filepath.Join(blocker, "sub", "test.db"))
	require.Error(t, err)
	assert.Nil(t, q)
}

func TestQueue_Within_Success(t *testing.T) {
	q := newTestQueueWithTable(t)
	ctx := context.Background()

	err := q.Within(ctx, func(ctx context.Context, db *DB) {
		_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES (?)", "v1")
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, q))
}

func TestQueue_Within_ReportsHandleError(t *testing.T) {
	q := newTestQueueWithTable(t)

	// Callback игнорирует ошибку - её фиксирует флаг ошибки handle
	err := q.Within(context.Background(), func(ctx context.Context, db *DB) {
		_, _ = db.Exec(ctx, "INSERT INTO nonexistent (value) VALUES (1)")
	})
	require.Error(t, err)
}

func TestQueue_Within_Serializes(t *testing.T) {
	q := newTestQueueWithTable(t)

	var active atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Within(context.Background(), func(ctx context.Context, db *DB) {
				if active.Add(1) > 1 {
					overlapped.Store(true)
				}
				_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES (?)", "v")
				assert.NoError(t, err)
				time.Sleep(time.Millisecond)
				active.Add(-1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "units of work overlapped")
	assert.Equal(t, 24, countRows(t, q))
}

func TestQueue_Within_Reentrant(t *testing.T) {
	q := newTestQueueWithTable(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := q.Within(context.Background(), func(ctx context.Context, db *DB) {
			// Вложенный вызов с ctx callback'а обязан выполниться inline
			err := q.Within(ctx, func(ctx context.Context, inner *DB) {
				assert.Same(t, db, inner)
				_, _ = inner.Exec(ctx, "INSERT INTO test (value) VALUES ('nested')")
			})
			assert.NoError(t, err)
		})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reentrant Within deadlocked")
	}
	assert.Equal(t, 1, countRows(t, q))
}

func TestQueue_WithinTx_Commit(t *testing.T) {
	q := newTestQueueWithTable(t)

	err := q.WithinTx(context.Background(), func(ctx context.Context, db *DB, rollback *bool) {
		_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES ('a')")
		assert.NoError(t, err)
		_, err = db.Exec(ctx, "INSERT INTO test (value) VALUES ('b')")
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, q))
}

func TestQueue_WithinTx_Rollback(t *testing.T) {
	q := newTestQueueWithTable(t)

	err := q.WithinTx(context.Background(), func(ctx context.Context, db *DB, rollback *bool) {
		_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES ('a')")
		assert.NoError(t, err)
		*rollback = true
	})
	require.NoError(t, err)

	// Флаг rollback оставляет базу в исходном состоянии
	assert.Equal(t, 0, countRows(t, q))
}

func TestQueue_WithinDeferredTx_Commit(t *testing.T) {
	q := newTestQueueWithTable(t)

	err := q.WithinDeferredTx(context.Background(), func(ctx context.Context, db *DB, rollback *bool) {
		_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES ('d')")
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, q))
}

func TestQueue_WithinTx_BeginFailureSkipsCallback(t *testing.T) {
	q := newTestQueueWithTable(t)

	err := q.WithinTx(context.Background(), func(ctx context.Context, db *DB, rollback *bool) {
		// SQLite не поддерживает вложенные BEGIN: внутренний begin обязан
		// завершиться ошибкой, а внутренний callback - не выполниться
		innerErr := q.WithinTx(ctx, func(ctx context.Context, db *DB, rollback *bool) {
			t.Error("inner transaction callback must not run")
		})
		assert.Error(t, innerErr)

		_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES ('outer')")
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, q))
}

func TestQueue_WithinSavepoint_NestedInTransaction(t *testing.T) {
	q := newTestQueueWithTable(t)

	err := q.WithinTx(context.Background(), func(ctx context.Context, db *DB, rollback *bool) {
		_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES ('outer')")
		assert.NoError(t, err)

		// Внутренний savepoint откатывается, внешняя транзакция коммитится
		spErr := q.WithinSavepoint(ctx, func(ctx context.Context, db *DB, spRollback *bool) {
			_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES ('inner')")
			assert.NoError(t, err)
			*spRollback = true
		})
		assert.NoError(t, spErr)
	})
	require.NoError(t, err)

	var values []string
	err = q.Within(context.Background(), func(ctx context.Context, db *DB) {
		rows, err := db.Query(ctx, "SELECT value FROM test ORDER BY id")
		require.NoError(t, err)
		defer rows.Close()
		for rows.Next() {
			var v string
			require.NoError(t, rows.Scan(&v))
			values = append(values, v)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer"}, values)
}

func TestQueue_WithinSavepoint_SequentialNamesDoNotCollide(t *testing.T) {
	q := newTestQueueWithTable(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := q.WithinSavepoint(ctx, func(ctx context.Context, db *DB, rollback *bool) {
			_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES (?)", "sp")
			assert.NoError(t, err)
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, countRows(t, q))
	assert.Equal(t, uint64(3), q.spSeq.Load())
}

func TestQueue_WithinSavepoint_DeeplyNested(t *testing.T) {
	q := newTestQueueWithTable(t)

	err := q.WithinSavepoint(context.Background(), func(ctx context.Context, db *DB, rollback *bool) {
		_, _ = db.Exec(ctx, "INSERT INTO test (value) VALUES ('l1')")

		err := q.WithinSavepoint(ctx, func(ctx context.Context, db *DB, rollback *bool) {
			_, _ = db.Exec(ctx, "INSERT INTO test (value) VALUES ('l2')")
			*rollback = true
		})
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, q))
}

func TestQueue_Within_LeftoverRowsAreNotAnError(t *testing.T) {
	q := newTestQueueWithTable(t)

	var leftover *Rows
	err := q.Within(context.Background(), func(ctx context.Context, db *DB) {
		_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES ('x')")
		require.NoError(t, err)
		// Курсор сознательно остаётся открытым: только предупреждение
		leftover, err = db.Query(ctx, "SELECT value FROM test")
		require.NoError(t, err)
	})
	require.NoError(t, err)
	require.NotNil(t, leftover)
	assert.NoError(t, leftover.Close())
}

func TestQueue_CloseThenLazyReopen(t *testing.T) {
	q := newTestQueueWithTable(t)
	ctx := context.Background()

	err := q.Within(ctx, func(ctx context.Context, db *DB) {
		_, _ = db.Exec(ctx, "INSERT INTO test (value) VALUES ('persisted')")
	})
	require.NoError(t, err)

	require.NoError(t, q.Close(ctx))
	// Повторный Close без открытого handle - no-op
	require.NoError(t, q.Close(ctx))

	// Следующий unit лениво переоткрывает базу, данные на месте
	assert.Equal(t, 1, countRows(t, q))
}

func TestQueue_Shutdown(t *testing.T) {
	q := newTestQueueWithTable(t)
	ctx := context.Background()

	require.NoError(t, q.Shutdown(ctx))

	err := q.Within(ctx, func(ctx context.Context, db *DB) {
		t.Error("unit ran after Shutdown")
	})
	assert.ErrorIs(t, err, ErrQueueClosed)

	err = q.WithinTx(ctx, func(ctx context.Context, db *DB, rollback *bool) {})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_Shutdown_FromInsideUnitIsRejected(t *testing.T) {
	q := newTestQueueWithTable(t)

	err := q.Within(context.Background(), func(ctx context.Context, db *DB) {
		assert.Error(t, q.Shutdown(ctx))
	})
	require.NoError(t, err)
}

func TestQueue_Run_DiscardsError(t *testing.T) {
	q := newTestQueueWithTable(t)

	// Ошибка логируется и отбрасывается; паники быть не должно
	q.Run(context.Background(), func(ctx context.Context, db *DB) {
		_, _ = db.Exec(ctx, "INSERT INTO nonexistent (value) VALUES (1)")
	})

	q.RunTx(context.Background(), func(ctx context.Context, db *DB, rollback *bool) {
		_, err := db.Exec(ctx, "INSERT INTO test (value) VALUES ('run')")
		assert.NoError(t, err)
	})
	assert.Equal(t, 1, countRows(t, q))
}

func TestQueue_Path(t *testing.T) {
	q := NewTestQueue(t)
	assert.NotEmpty(t, q.Path())
}
