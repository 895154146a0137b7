package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrDepositNotFound = errors.New("escrow: deposit not found")

// Store persists escrow state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("escrow: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("escrow: ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "0001_escrow_deposits",
		sql: `CREATE TABLE IF NOT EXISTS escrow_deposits (
			escrow_id            TEXT PRIMARY KEY,
			owner_peer_key       TEXT NOT NULL,
			sealed_payload       JSONB NOT NULL,
			recipient_public_key TEXT NOT NULL,
			policy               JSONB,
			deposited_at         TIMESTAMPTZ NOT NULL,
			status               TEXT NOT NULL
		)`,
	},
	{
		name: "0002_escrow_leases",
		sql: `CREATE TABLE IF NOT EXISTS escrow_leases (
			lease_id          TEXT PRIMARY KEY,
			escrow_id         TEXT NOT NULL,
			relay_key         TEXT NOT NULL,
			requester_id      TEXT NOT NULL,
			owner_peer_key    TEXT NOT NULL,
			issued_at         TIMESTAMPTZ NOT NULL,
			expires_at        TIMESTAMPTZ NOT NULL,
			evidence          TEXT,
			writer_key_digest TEXT NOT NULL,
			payload_digest    TEXT NOT NULL
		)`,
	},
	{
		name: "0003_escrow_leases_relay_idx",
		sql:  `CREATE INDEX IF NOT EXISTS escrow_leases_relay_idx ON escrow_leases (relay_key)`,
	},
}

// Migrate applies pending migrations in lexicographic order, one
// transaction each, recording them in escrow_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS escrow_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("escrow: create migrations table: %w", err)
	}

	ordered := make([]migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].name < ordered[j].name })

	for _, m := range ordered {
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin migration %s: %w", m.name, err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM escrow_migrations WHERE name = $1)`, m.name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("escrow: check migration %s: %w", m.name, err)
	}
	if exists {
		return nil
	}
	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return fmt.Errorf("escrow: apply migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO escrow_migrations (name, applied_at) VALUES ($1, $2)`, m.name, time.Now().UTC()); err != nil {
		return fmt.Errorf("escrow: record migration %s: %w", m.name, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) SaveDeposit(ctx context.Context, d *Deposit) error {
	sealed, err := json.Marshal(d.SealedPayload)
	if err != nil {
		return fmt.Errorf("escrow: marshal sealed payload: %w", err)
	}
	var policy []byte
	if d.Policy != nil {
		if policy, err = json.Marshal(d.Policy); err != nil {
			return fmt.Errorf("escrow: marshal policy: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO escrow_deposits (escrow_id, owner_peer_key, sealed_payload, recipient_public_key, policy, deposited_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (escrow_id) DO UPDATE SET
			sealed_payload = EXCLUDED.sealed_payload,
			policy         = EXCLUDED.policy,
			status         = EXCLUDED.status`,
		d.EscrowID, d.OwnerPeerKey, sealed, d.RecipientPublicKey, policy, d.DepositedAt, d.Status)
	if err != nil {
		return fmt.Errorf("escrow: save deposit: %w", err)
	}
	return nil
}

func (s *Store) UpdateDepositStatus(ctx context.Context, escrowID, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE escrow_deposits SET status = $2 WHERE escrow_id = $1`, escrowID, status)
	if err != nil {
		return fmt.Errorf("escrow: update deposit status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDepositNotFound
	}
	return nil
}

func (s *Store) GetDeposit(ctx context.Context, escrowID string) (*Deposit, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT escrow_id, owner_peer_key, sealed_payload, recipient_public_key, policy, deposited_at, status
		FROM escrow_deposits WHERE escrow_id = $1`, escrowID)
	return scanDeposit(row)
}

func (s *Store) ListDeposits(ctx context.Context, status string) ([]*Deposit, error) {
	query := `SELECT escrow_id, owner_peer_key, sealed_payload, recipient_public_key, policy, deposited_at, status
		FROM escrow_deposits`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY deposited_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list deposits: %w", err)
	}
	defer rows.Close()

	var out []*Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordLease appends the audit record for an unlocked lease. The writer
// key itself never touches the database.
func (s *Store) RecordLease(ctx context.Context, l *Lease) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrow_leases (lease_id, escrow_id, relay_key, requester_id, owner_peer_key, issued_at, expires_at, evidence, writer_key_digest, payload_digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (lease_id) DO NOTHING`,
		l.LeaseID, l.EscrowID, l.RelayKey, l.RequesterID, l.OwnerPeerKey,
		l.IssuedAt, l.ExpiresAt, l.Evidence, l.Writer.WriterKeyDigest, l.PayloadDigest)
	if err != nil {
		return fmt.Errorf("escrow: record lease: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row rowScanner) (*Deposit, error) {
	var d Deposit
	var sealed, policy []byte
	err := row.Scan(&d.EscrowID, &d.OwnerPeerKey, &sealed, &d.RecipientPublicKey, &policy, &d.DepositedAt, &d.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, fmt.Errorf("escrow: scan deposit: %w", err)
	}
	if err := json.Unmarshal(sealed, &d.SealedPayload); err != nil {
		return nil, fmt.Errorf("escrow: decode sealed payload: %w", err)
	}
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &d.Policy); err != nil {
			return nil, fmt.Errorf("escrow: decode policy: %w", err)
		}
	}
	return &d, nil
}
