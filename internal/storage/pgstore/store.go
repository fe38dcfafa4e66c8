// Package pgstore is a shard backend kept in a PostgreSQL table with a bytea
// primary key. bytea compares bytewise, so the primary key index serves
// range scans in the same order as bytes.Compare.
package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/shard"
)

const (
	defaultTable     = "scaledb_entities"
	defaultScanBatch = 1000
)

// Config holds PostgreSQL backend configuration
type Config struct {
	Host      string
	Port      int
	Database  string
	User      string
	Password  string
	MaxConns  int
	MinConns  int
	Table     string
	ScanBatch int
}

// Store is one shard stored in a PostgreSQL table.
type Store struct {
	pool      *pgxpool.Pool
	table     string
	scanBatch int
	logger    *zap.Logger
}

var _ shard.Backend = (*Store)(nil)

// NewStore connects to PostgreSQL and creates the table if needed.
func NewStore(ctx context.Context, cfg *Config, logger *zap.Logger) (*Store, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
	)
	if cfg.MaxConns > 0 {
		connString += fmt.Sprintf(" pool_max_conns=%d", cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		connString += fmt.Sprintf(" pool_min_conns=%d", cfg.MinConns)
	}

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := newStore(pool, cfg.Table, cfg.ScanBatch, logger)
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info("PostgreSQL shard store ready",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.String("table", s.table))
	return s, nil
}

func newStore(pool *pgxpool.Pool, table string, scanBatch int, logger *zap.Logger) *Store {
	if table == "" {
		table = defaultTable
	}
	if scanBatch <= 0 {
		scanBatch = defaultScanBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:      pool,
		table:     pgx.Identifier{table}.Sanitize(),
		scanBatch: scanBatch,
		logger:    logger,
	}
}

func (s *Store) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		k bytea PRIMARY KEY,
		v bytea NOT NULL
	)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) ShardCount(context.Context) (int, error) {
	return 1, nil
}

func (s *Store) ShardServers(context.Context) ([]shard.Backend, error) {
	return nil, nil
}

// Upsert writes all entities in one transaction. Statements are queued in
// input order, so the last value for a repeated key wins.
func (s *Store) Upsert(ctx context.Context, entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	for _, e := range entities {
		if e.Value == nil {
			return errors.InvalidValue(e.Key)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (k, v) VALUES ($1, $2)
		ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v
	`, s.table)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range entities {
			batch.Queue(query, e.Key, e.Value)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return errors.Unavailable("postgres upsert failed", err)
	}
	return nil
}

// RetrieveByKeys fetches all present keys with one query. Found entities
// keep the scheme of the key they were requested with.
func (s *Store) RetrieveByKeys(ctx context.Context, keys []model.Entity, cb shard.RetrieveCallback) error {
	if len(keys) == 0 {
		return nil
	}
	query := fmt.Sprintf(`SELECT k, v FROM %s WHERE k = ANY($1)`, s.table)
	found, _, err := s.query(ctx, query, model.Keys(keys))
	if err != nil {
		return err
	}
	stampSchemes(found, keys)
	if len(found) > 0 {
		cb(found)
	}
	return nil
}

// RetrieveRange pages through the primary key strictly between start and
// end, one callback per page.
func (s *Store) RetrieveRange(ctx context.Context, start, end []byte, cb shard.RetrieveCallback) error {
	for {
		query, args := rangeQuery(s.table, start, end, s.scanBatch)
		found, last, err := s.query(ctx, query, args...)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return nil
		}
		for i := range found {
			found[i].Scheme = model.HashOrdered
		}
		if !cb(found) || len(found) < s.scanBatch {
			return nil
		}
		start = last
	}
}

// Delete removes keys. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, keys []model.Entity) error {
	if len(keys) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE k = ANY($1)`, s.table)
	if _, err := s.pool.Exec(ctx, query, model.Keys(keys)); err != nil {
		return errors.Unavailable("postgres delete failed", err)
	}
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// query runs a key/value query and returns the rows and the last key seen.
func (s *Store) query(ctx context.Context, query string, args ...any) ([]model.Entity, []byte, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, errors.Unavailable("postgres query failed", err)
	}
	defer rows.Close()

	var (
		out  []model.Entity
		last []byte
	)
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, nil, errors.CorruptedData("failed to scan row", err)
		}
		if v == nil {
			v = []byte{}
		}
		out = append(out, model.Entity{Key: k, Value: v})
		last = k
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Unavailable("postgres query failed", err)
	}
	return out, last, nil
}

// stampSchemes copies each requested key's scheme onto the matching result.
func stampSchemes(found, requested []model.Entity) {
	schemes := make(map[string]model.HashScheme, len(requested))
	for _, k := range requested {
		schemes[string(k.Key)] = k.Scheme
	}
	for i := range found {
		found[i].Scheme = schemes[string(found[i].Key)]
	}
}

// rangeQuery builds one page of an exclusive range scan.
func rangeQuery(table string, start, end []byte, limit int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if start != nil {
		args = append(args, start)
		conds = append(conds, fmt.Sprintf("k > $%d", len(args)))
	}
	if end != nil {
		args = append(args, end)
		conds = append(conds, fmt.Sprintf("k < $%d", len(args)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT k, v FROM %s", table)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY k LIMIT %d", limit)
	return b.String(), args
}
