package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trackforge/internal/domain"
)

// QuotaRepositoryPG implements domain.QuotaService with a per-owner daily
// usage counter. TryConsume only reads; the counter is incremented by Commit,
// which the reconciler calls exactly once per job that reaches generating.
type QuotaRepositoryPG struct {
	pool       *pgxpool.Pool
	dailyLimit int
}

// NewQuotaRepository creates a quota service with the given daily limit.
func NewQuotaRepository(pool *pgxpool.Pool, dailyLimit int) *QuotaRepositoryPG {
	if dailyLimit <= 0 {
		dailyLimit = 20
	}
	return &QuotaRepositoryPG{pool: pool, dailyLimit: dailyLimit}
}

// TryConsume reports whether the owner has remaining quota for today.
func (r *QuotaRepositoryPG) TryConsume(ctx context.Context, ownerID string) (bool, string, error) {
	var used int
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(used, 0)
FROM usage_daily
WHERE owner_id = $1 AND day = CURRENT_DATE;
`, ownerID).Scan(&used)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, "", err
		}
		// No row yet means nothing consumed today.
		used = 0
	}
	if used >= r.dailyLimit {
		return false, fmt.Sprintf("daily limit of %d generations reached", r.dailyLimit), nil
	}
	return true, "", nil
}

// Commit records one consumed generation for today.
func (r *QuotaRepositoryPG) Commit(ctx context.Context, ownerID string) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO usage_daily (owner_id, day, used)
VALUES ($1, CURRENT_DATE, 1)
ON CONFLICT (owner_id, day) DO UPDATE SET used = usage_daily.used + 1;
`, ownerID)
	return err
}

var _ domain.QuotaService = (*QuotaRepositoryPG)(nil)
