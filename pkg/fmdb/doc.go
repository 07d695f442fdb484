// Package fmdb предоставляет сериализованный, реентерабельный доступ к
// одному SQLite подключению, разделяемому между goroutine.
//
// Подключение SQLite рассчитано на использование из одного потока. Queue
// пропускает каждую операцию через последовательный исполнитель
// (pkg/dispatch): в любой момент активен ровно один unit of work, остальные
// ждут в порядке поступления. Транзакция или savepoint целиком - BEGIN,
// callback, COMMIT/ROLLBACK - выполняется как один неделимый unit, поэтому
// вложенные вызовы из callback'а выполняются inline, без самоблокировки.
//
// Типичное использование:
//
//	q, err := fmdb.New("data/app.db")
//	if err != nil { ... }
//	defer q.Shutdown(context.Background())
//
//	err = q.WithinTx(ctx, func(ctx context.Context, db *fmdb.DB, rollback *bool) {
//		if _, err := db.Exec(ctx, "INSERT INTO t(v) VALUES (?)", v); err != nil {
//			*rollback = true
//		}
//	})
package fmdb
