package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"chunkgen/pkg/contract"
)

// Options: Redis 工件存储配置。
type Options struct {
	// URL: redis://[:password@]host:port/db；非空时优先于 Addr/Password/DB。
	URL      string `json:"url,omitempty"`
	Addr     string `json:"addr"`     // 默认 127.0.0.1:6379
	Password string `json:"password"` // 可选
	DB       int    `json:"db"`
	// Prefix: 键前缀，默认 "chunkgen:responses"。
	Prefix string `json:"prefix,omitempty"`
	// TTLSeconds: 结果与索引键的过期时间；0 采用默认 24h，<0 表示不过期。
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// Store 以一次 pipeline 写入：
//   - <prefix>:<run>:<artifact name>   结果文本（SET EX）
//   - <prefix>:<run>:index             ZSET，score=分块序号，member=结果键
//   - <prefix>:stats                   HASH，success/failure 累计（不过期）
type Store struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

// New 按已解码选项创建 Store（连接惰性建立）；opts 为 nil 时全部取默认。
func New(opts *Options) (*Store, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	var ro *goredis.Options
	if o.URL != "" {
		parsed, err := goredis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %v: %w", err, contract.ErrInvalidInput)
		}
		ro = parsed
	} else {
		addr := o.Addr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		ro = &goredis.Options{Addr: addr, Password: o.Password, DB: o.DB}
	}
	s := NewWithClient(goredis.NewClient(ro), o)
	s.owned = true
	return s, nil
}

// NewWithClient 使用已有客户端；调用方负责关闭。
func NewWithClient(rdb *goredis.Client, o Options) *Store {
	s := &Store{rdb: rdb, prefix: "chunkgen:responses", ttl: 24 * time.Hour}
	if p := strings.Trim(o.Prefix, ":"); p != "" {
		s.prefix = p
	}
	switch {
	case o.TTLSeconds > 0:
		s.ttl = time.Duration(o.TTLSeconds) * time.Second
	case o.TTLSeconds < 0:
		s.ttl = 0
	}
	return s
}

// Ping 检查连通性。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Key 返回结果文本键。
func (s *Store) Key(a contract.Artifact) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, runOf(a), contract.ArtifactName(a.Result.Index, a.Result.Outcome.Kind, a.Result.At))
}

// IndexKey 返回某次运行的序号索引键。
func (s *Store) IndexKey(runID string) string {
	if runID == "" {
		runID = "default"
	}
	return s.prefix + ":" + runID + ":index"
}

// Put 实现 contract.Store。
func (s *Store) Put(ctx context.Context, a contract.Artifact) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	key := s.Key(a)
	idx := s.IndexKey(a.RunID)

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, key, a.Result.Outcome.Text, s.ttl)
	pipe.ZAdd(ctx, idx, goredis.Z{Score: float64(a.Result.Index), Member: key})
	if s.ttl > 0 {
		pipe.Expire(ctx, idx, s.ttl)
	}
	pipe.HIncrBy(ctx, s.prefix+":stats", string(a.Result.Outcome.Kind), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

// Close 释放自建连接。
func (s *Store) Close() error {
	if s.owned && s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

func runOf(a contract.Artifact) string {
	if a.RunID == "" {
		return "default"
	}
	return a.RunID
}

var (
	_ contract.Store  = (*Store)(nil)
	_ contract.Closer = (*Store)(nil)
)
