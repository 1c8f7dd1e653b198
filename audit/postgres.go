package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/vitwit/x402gate/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_receipts (
	id            UUID PRIMARY KEY,
	request_id    TEXT NOT NULL DEFAULT '',
	pricing_tier  TEXT NOT NULL DEFAULT '',
	tier_reached  SMALLINT NOT NULL,
	verified      BOOLEAN NOT NULL,
	payer         TEXT NOT NULL DEFAULT '',
	amount        TEXT NOT NULL DEFAULT '',
	amount_usd    NUMERIC(20, 8) NOT NULL DEFAULT 0,
	asset         TEXT NOT NULL DEFAULT '',
	network       TEXT NOT NULL DEFAULT '',
	tx_hash       TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	settled       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL
)`

const insertReceipt = `
INSERT INTO payment_receipts (
	id, request_id, pricing_tier, tier_reached, verified, payer,
	amount, amount_usd, asset, network, tx_hash, reason, settled, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// PostgresStore writes receipts to the payment_receipts table.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, timeout: 5 * time.Second}
}

// EnsureSchema creates the receipts table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create payment_receipts: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, r *types.PaymentReceipt) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, insertReceipt,
		uuid.NewString(),
		r.RequestID,
		r.PricingTier,
		int(r.TierReached),
		r.Verified,
		r.Payer,
		r.Amount,
		r.AmountUSD.String(),
		r.Asset,
		r.Network,
		r.TxHash,
		r.Reason,
		r.Settled,
		r.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
