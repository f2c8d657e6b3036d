package hid

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type poolStorePG struct {
	pool *pgxpool.Pool
}

// NewPoolStore returns a PoolStore backed by the hid_pool table.
func NewPoolStore(pool *pgxpool.Pool) PoolStore {
	return &poolStorePG{pool: pool}
}

func (s *poolStorePG) Claim(ctx context.Context) (uint64, int, error) {
	var body int64
	var check int16
	err := s.pool.QueryRow(ctx, `
		UPDATE hid_pool SET assigned_at = NOW()
		WHERE body = (
			SELECT body FROM hid_pool
			WHERE assigned_at IS NULL
			ORDER BY body
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING body, check_digit`).Scan(&body, &check)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrPoolEmpty
	}
	if err != nil {
		return 0, 0, err
	}
	return uint64(body), int(check), nil
}

func (s *poolStorePG) Load(ctx context.Context, ids []HealthIdentifier) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE hid_pool_stage (body BIGINT, check_digit SMALLINT) ON COMMIT DROP`); err != nil {
		return 0, fmt.Errorf("create stage table: %w", err)
	}

	rows := make([][]interface{}, len(ids))
	for i, id := range ids {
		rows[i] = []interface{}{int64(id.Body()), int16(id.CheckDigit())}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"hid_pool_stage"}, []string{"body", "check_digit"}, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("copy pool batch: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO hid_pool (body, check_digit)
		SELECT body, check_digit FROM hid_pool_stage
		ON CONFLICT (body) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("merge pool batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit pool batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *poolStorePG) Stats(ctx context.Context) (PoolStats, error) {
	var st PoolStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE assigned_at IS NULL), COUNT(assigned_at)
		FROM hid_pool`).Scan(&st.Total, &st.Available, &st.Assigned)
	if err != nil {
		return PoolStats{}, fmt.Errorf("pool stats: %w", err)
	}
	return st, nil
}
