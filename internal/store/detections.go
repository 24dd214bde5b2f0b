// Package store provides Postgres-backed persistence for detections.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/warcscan/internal/scan"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for detection rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// DetectionStore writes detection rows into Postgres. Inserts are
// idempotent per (url, source_segment), so retried work items cannot
// duplicate rows.
type DetectionStore struct {
	pool  execCloser
	table string
}

// NewDetectionStore creates a Postgres-backed DetectionStore using the
// provided config.
func NewDetectionStore(ctx context.Context, cfg Config) (*DetectionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "detections"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DetectionStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewDetectionStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewDetectionStoreWithPool(pool execCloser, table string) (*DetectionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "detections"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DetectionStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *DetectionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveDetection inserts one detection row.
func (s *DetectionStore) SaveDetection(ctx context.Context, d scan.Detection) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("detection store is not configured")
	}
	if d.URL == "" {
		return fmt.Errorf("detection url is required")
	}
	if d.SourceSegment == "" {
		return fmt.Errorf("detection source segment is required")
	}
	indicatorsJSON, err := json.Marshal(d.Indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	domain,
	url,
	confidence,
	indicators,
	build_id,
	version,
	detected_at,
	crawl_date,
	source_segment
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (url, source_segment) DO NOTHING`, s.table)

	args := []any{
		d.Domain,
		d.URL,
		string(d.Confidence),
		indicatorsJSON,
		nullable(d.BuildID),
		nullable(d.Version),
		d.DetectedAt,
		nullable(d.CrawlDate),
		d.SourceSegment,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
