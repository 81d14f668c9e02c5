package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"chunkgen/pkg/contract"
)

type call struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{sql: sql, args: args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

// TestPut 参数顺序与工件名
func TestPut(t *testing.T) {
	db := &fakeDB{}
	s, err := newStore(db, "")
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := contract.Artifact{RunID: "r", Result: contract.JobResult{Index: 2, Outcome: contract.Failed("Error processing chunk: x"), At: at}}
	if err := s.Put(context.Background(), a); err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(db.calls) != 1 {
		t.Fatalf("calls = %d", len(db.calls))
	}
	c := db.calls[0]
	if !strings.HasPrefix(c.sql, "INSERT INTO chunk_responses ") {
		t.Fatalf("unexpected sql %q", c.sql)
	}
	want := []any{"r", 2, "failure", "chunk_2_20240101_000000_error.txt", "Error processing chunk: x", at}
	for i := range want {
		if c.args[i] != want[i] {
			t.Fatalf("arg %d = %v, want %v", i, c.args[i], want[i])
		}
	}
}

// TestPutError 数据库错误被包装返回
func TestPutError(t *testing.T) {
	boom := errors.New("conn refused")
	s, _ := newStore(&fakeDB{err: boom}, "x.results")
	if err := s.Put(context.Background(), contract.Artifact{}); !errors.Is(err, boom) {
		t.Fatalf("expect wrapped error, got %v", err)
	}
}

// TestEnsureSchema 建表语句
func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	s, _ := newStore(db, "my_table")
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(db.calls[0].sql, "CREATE TABLE IF NOT EXISTS my_table") {
		t.Fatalf("unexpected sql %q", db.calls[0].sql)
	}
}

// TestBadTable 非法表名
func TestBadTable(t *testing.T) {
	for _, name := range []string{"a;drop", "1abc", "a b"} {
		if _, err := newStore(&fakeDB{}, name); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("%q: expect ErrInvalidInput, got %v", name, err)
		}
	}
}

// TestNewMissingDSN 缺少连接串
func TestNewMissingDSN(t *testing.T) {
	t.Setenv("PG_URL", "")
	if _, err := New(context.Background(), nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect ErrInvalidInput, got %v", err)
	}
	if _, err := New(context.Background(), &Options{DSN: "::not a dsn::"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect ErrInvalidInput, got %v", err)
	}
}
