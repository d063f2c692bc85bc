// Package journal 将每个终态结果写入 MySQL 表，供事后排查。
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"

	"aidispatch/internal/dispatch"
	"aidispatch/pkg/contract"
)

const defaultTimeout = 5 * time.Second

// Options 日志表配置（dsn 例如 user:pass@tcp(host:3306)/dbname）。
type Options struct {
	DSN   string `json:"dsn"`
	Table string `json:"table,omitempty"`
	// MaxBody 响应体摘录上限（字节），默认 1024。
	MaxBody int `json:"max_body,omitempty"`
}

func (o *Options) defaults() {
	if o.Table == "" {
		o.Table = "dispatch_results"
	}
	if o.MaxBody <= 0 {
		o.MaxBody = 1024
	}
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ParseDSN 校验 DSN 并补齐本模块需要的参数。
func ParseDSN(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal dsn: %v: %w", err, contract.ErrInvalidInput)
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return cfg, nil
}

// Journal 实现 dispatch.Recorder。
type Journal struct {
	db      *sql.DB
	table   string
	maxBody int
}

// Open 连接数据库、探活并建表。
func Open(ctx context.Context, opts Options) (*Journal, error) {
	opts.defaults()
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("journal table %q: %w", opts.Table, contract.ErrInvalidInput)
	}
	cfg, err := ParseDSN(opts.DSN)
	if err != nil {
		return nil, err
	}
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("journal connector: %w", err)
	}
	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(2 * time.Minute)
	j := &Journal{db: db, table: opts.Table, maxBody: opts.MaxBody}
	pctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if err := j.migrate(pctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  batch_id CHAR(36) NOT NULL,
  request_id INT NOT NULL,
  label VARCHAR(64) NOT NULL,
  strategy VARCHAR(16) NOT NULL,
  state VARCHAR(16) NOT NULL,
  kind VARCHAR(16) NOT NULL DEFAULT '',
  status INT NOT NULL DEFAULT 0,
  body TEXT,
  error TEXT,
  dur_ms BIGINT NOT NULL DEFAULT 0,
  created_at DATETIME(3) NOT NULL,
  INDEX idx_batch (batch_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, j.table))
	if err != nil {
		return fmt.Errorf("journal migrate: %w", err)
	}
	return nil
}

// row 为表中一行。
type row struct {
	BatchID   string
	RequestID int
	Label     string
	Strategy  string
	State     string
	Kind      string
	Status    int
	Body      string
	Error     string
	DurMS     int64
	CreatedAt time.Time
}

func toRow(e dispatch.Entry, maxBody int, now time.Time) row {
	r := e.Result
	out := row{
		BatchID:   e.BatchID,
		RequestID: r.ID,
		Label:     r.Label,
		Strategy:  string(e.Strategy),
		State:     r.State.String(),
		Status:    r.Status,
		DurMS:     r.Dur.Milliseconds(),
		CreatedAt: now.UTC(),
	}
	if !r.OK() {
		out.Kind = string(r.Kind)
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	body := r.Text
	if body == "" {
		body = string(r.Body)
	}
	out.Body = truncate(body, maxBody)
	return out
}

// truncate 按字节上限截断，且不切断 UTF-8 字符。
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Record 实现 dispatch.Recorder。
func (j *Journal) Record(ctx context.Context, e dispatch.Entry) error {
	r := toRow(e, j.maxBody, time.Now())
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	_, err := j.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
  (batch_id, request_id, label, strategy, state, kind, status, body, error, dur_ms, created_at)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, j.table),
		r.BatchID, r.RequestID, r.Label, r.Strategy, r.State, r.Kind, r.Status, r.Body, r.Error, r.DurMS, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// Close 释放连接池。
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

var _ dispatch.Recorder = (*Journal)(nil)
