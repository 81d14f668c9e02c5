package postgres

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chunkgen/pkg/contract"
)

// Options: PostgreSQL 工件存储配置。
type Options struct {
	// DSN: 连接串；为空时读取 DSNEnv 指定的环境变量。
	DSN    string `json:"dsn,omitempty"`
	DSNEnv string `json:"dsn_env,omitempty"` // 默认 PG_URL
	// Table: 目标表名，默认 chunk_responses。
	Table string `json:"table,omitempty"`
	// EnsureSchema: 首次使用前执行 CREATE TABLE IF NOT EXISTS。
	EnsureSchema bool `json:"ensure_schema,omitempty"`
	// MaxConns: 连接池上限；<=0 使用 pgxpool 默认。
	MaxConns int32 `json:"max_conns,omitempty"`
}

// execer: Store 仅依赖的最小数据库能力（*pgxpool.Pool 满足）。
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var tableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Store 每个结果写入一行：(run_id, chunk_index, outcome, body, created_at)。
type Store struct {
	db     execer
	pool   *pgxpool.Pool
	insert string
	schema string
}

// New 按已解码选项创建连接池与 Store；opts 为 nil 时全部取默认。
func New(ctx context.Context, opts *Options) (*Store, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	dsn := o.DSN
	if dsn == "" {
		env := o.DSNEnv
		if env == "" {
			env = "PG_URL"
		}
		dsn = os.Getenv(env)
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres: %w: missing dsn", contract.ErrInvalidInput)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %v: %w", err, contract.ErrInvalidInput)
	}
	if o.MaxConns > 0 {
		cfg.MaxConns = o.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	s, err := newStore(pool, o.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	if o.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func newStore(db execer, table string) (*Store, error) {
	if table == "" {
		table = "chunk_responses"
	}
	if !tableRe.MatchString(table) {
		return nil, fmt.Errorf("postgres: %w: bad table name %q", contract.ErrInvalidInput, table)
	}
	return &Store{
		db: db,
		insert: fmt.Sprintf(
			"INSERT INTO %s (run_id, chunk_index, outcome, artifact, body, created_at) VALUES ($1, $2, $3, $4, $5, $6)", table),
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT        NOT NULL,
	chunk_index INTEGER     NOT NULL,
	outcome     TEXT        NOT NULL,
	artifact    TEXT        NOT NULL,
	body        TEXT        NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
)`, table),
	}, nil
}

// EnsureSchema 建表（幂等）。
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, s.schema); err != nil {
		return fmt.Errorf("postgres ensure schema: %w", err)
	}
	return nil
}

// Put 实现 contract.Store。
func (s *Store) Put(ctx context.Context, a contract.Artifact) error {
	r := a.Result
	name := contract.ArtifactName(r.Index, r.Outcome.Kind, r.At)
	if _, err := s.db.Exec(ctx, s.insert, a.RunID, int(r.Index), string(r.Outcome.Kind), name, r.Outcome.Text, r.At); err != nil {
		return fmt.Errorf("postgres put %s: %w", name, err)
	}
	return nil
}

// Close 关闭连接池。
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

var (
	_ contract.Store  = (*Store)(nil)
	_ contract.Closer = (*Store)(nil)
	_ execer          = (*pgxpool.Pool)(nil)
)
