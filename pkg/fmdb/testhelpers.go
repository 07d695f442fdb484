package fmdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// NewTestQueue создает очередь над временным файлом БД.
// Очередь останавливается и файл удаляется после завершения теста.
func NewTestQueue(t *testing.T) *Queue {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	q, err := New(path)
	if err != nil {
		t.Fatalf("Failed to create test queue: %v", err)
	}

	t.Cleanup(func() {
		_ = q.Shutdown(context.Background())
	})
	return q
}

// NewTestQueueAt создает очередь по явному пути; полезно для тестов
// с недоступными путями. Cleanup регистрируется только при успехе.
func NewTestQueueAt(t *testing.T, path string) (*Queue, error) {
	t.Helper()

	q, err := New(path)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() {
		_ = q.Shutdown(context.Background())
		_ = os.Remove(path)
	})
	return q, nil
}
