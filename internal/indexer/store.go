package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fpluis/manyclubs-solana/internal/auction"
	"github.com/gagliardetto/solana-go"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS auctions (
			pubkey TEXT PRIMARY KEY,
			resource TEXT NOT NULL,
			seller TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			starting_price TEXT NOT NULL,
			min_bid_increment TEXT NOT NULL,
			duration BIGINT NOT NULL,
			gap_window BIGINT NOT NULL,
			extension_period BIGINT NOT NULL,
			end_at BIGINT NOT NULL,
			highest_bid TEXT NOT NULL,
			highest_bidder TEXT,
			bid_count BIGINT NOT NULL,
			lamports BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_auctions_resource ON auctions(resource);`,
		`CREATE INDEX IF NOT EXISTS idx_auctions_status ON auctions(status, end_at);`,
		`CREATE INDEX IF NOT EXISTS idx_auctions_seller ON auctions(seller, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS auction_bids (
			id BIGSERIAL PRIMARY KEY,
			auction_pubkey TEXT NOT NULL,
			resource TEXT NOT NULL,
			bidder TEXT NOT NULL,
			amount TEXT NOT NULL,
			bid_at BIGINT NOT NULL,
			slot BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_auction_bids_dedupe ON auction_bids(auction_pubkey, bidder, amount, bid_at);`,
		`CREATE INDEX IF NOT EXISTS idx_auction_bids_auction_time ON auction_bids(auction_pubkey, bid_at DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_auction_bids_bidder_time ON auction_bids(bidder, bid_at DESC);`,
		`CREATE TABLE IF NOT EXISTS auction_status_history (
			id BIGSERIAL PRIMARY KEY,
			auction_pubkey TEXT NOT NULL,
			resource TEXT NOT NULL,
			prev_status TEXT NOT NULL,
			next_status TEXT NOT NULL,
			end_at BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			recorded_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_auction_status_history_auction ON auction_status_history(auction_pubkey, recorded_at DESC);`,
		`CREATE TABLE IF NOT EXISTS extended_records (
			pubkey TEXT PRIMARY KEY,
			auction_pubkey TEXT NOT NULL,
			resource TEXT NOT NULL,
			total_escrowed TEXT NOT NULL,
			total_released TEXT NOT NULL,
			uncancelled_bids BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_extended_records_resource ON extended_records(resource);`,
		`CREATE TABLE IF NOT EXISTS bidder_escrows (
			meta_pubkey TEXT PRIMARY KEY,
			escrow_pubkey TEXT NOT NULL,
			auction_pubkey TEXT NOT NULL,
			resource TEXT NOT NULL,
			bidder TEXT NOT NULL,
			last_bid TEXT NOT NULL,
			last_bid_at BIGINT NOT NULL,
			cancelled INTEGER NOT NULL,
			escrow_lamports BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bidder_escrows_auction ON bidder_escrows(auction_pubkey, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_bidder_escrows_bidder ON bidder_escrows(bidder, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS auth_challenges (
			id TEXT PRIMARY KEY,
			wallet_pubkey TEXT NOT NULL,
			intent TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			used_at BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_auth_challenges_wallet_created ON auth_challenges(wallet_pubkey, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS auth_sessions (
			token_hash TEXT PRIMARY KEY,
			wallet_pubkey TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			refreshed_at BIGINT NOT NULL,
			revoked_at BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_auth_sessions_wallet_exp ON auth_sessions(wallet_pubkey, expires_at DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (s *Store) UpsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			updated_at = excluded.updated_at
	`, int64(slot), now)
	return err
}

// UpsertAuctionTx writes the latest on-chain view of one auction and derives
// the append-only side tables from it: every history entry becomes a row in
// auction_bids, and each status transition is recorded once.
func (s *Store) UpsertAuctionTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, lamports uint64, record *auction.AuctionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	pubkeyText := pubkey.String()
	prevStatus, err := s.getAuctionStatusTx(ctx, tx, pubkeyText)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	status := record.State.Status.String()

	var highestBidder any
	if record.State.HighestBidder != nil {
		highestBidder = record.State.HighestBidder.String()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auctions (
			pubkey, resource, seller, kind, status, starting_price, min_bid_increment,
			duration, gap_window, extension_period, end_at, highest_bid, highest_bidder,
			bid_count, lamports, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			resource = excluded.resource,
			seller = excluded.seller,
			kind = excluded.kind,
			status = excluded.status,
			starting_price = excluded.starting_price,
			min_bid_increment = excluded.min_bid_increment,
			duration = excluded.duration,
			gap_window = excluded.gap_window,
			extension_period = excluded.extension_period,
			end_at = excluded.end_at,
			highest_bid = excluded.highest_bid,
			highest_bidder = excluded.highest_bidder,
			bid_count = excluded.bid_count,
			lamports = excluded.lamports,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkeyText,
		record.Config.Resource.String(),
		record.Config.Seller.String(),
		auctionKindText(record.Config.Kind),
		status,
		strconv.FormatUint(record.Config.StartingPrice, 10),
		strconv.FormatUint(record.Config.MinBidIncrement, 10),
		record.Config.Duration,
		record.Config.GapWindow,
		record.Config.ExtensionPeriod,
		record.State.EndAt,
		strconv.FormatUint(record.State.HighestBid, 10),
		highestBidder,
		int64(record.State.BidCount),
		int64(lamports),
		string(raw),
		int64(slot),
		now,
	)
	if err != nil {
		return err
	}

	for _, entry := range record.State.History {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auction_bids (auction_pubkey, resource, bidder, amount, bid_at, slot)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(auction_pubkey, bidder, amount, bid_at) DO NOTHING
		`,
			pubkeyText,
			record.Config.Resource.String(),
			entry.Bidder.String(),
			strconv.FormatUint(entry.Amount, 10),
			entry.Timestamp,
			int64(slot),
		); err != nil {
			return err
		}
	}

	if prevStatus != nil && *prevStatus == status {
		return nil
	}
	previous := "unknown"
	if prevStatus != nil {
		previous = *prevStatus
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO auction_status_history (
			auction_pubkey, resource, prev_status, next_status, end_at, slot, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		pubkeyText,
		record.Config.Resource.String(),
		previous,
		status,
		record.State.EndAt,
		int64(slot),
		now,
	)
	return err
}

func (s *Store) UpsertExtendedTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, auctionPubkey solana.PublicKey, slot uint64, record *auction.ExtendedRecord) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO extended_records (
			pubkey, auction_pubkey, resource, total_escrowed, total_released,
			uncancelled_bids, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			auction_pubkey = excluded.auction_pubkey,
			resource = excluded.resource,
			total_escrowed = excluded.total_escrowed,
			total_released = excluded.total_released,
			uncancelled_bids = excluded.uncancelled_bids,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		auctionPubkey.String(),
		record.Resource.String(),
		strconv.FormatUint(record.TotalEscrowed, 10),
		strconv.FormatUint(record.TotalReleased, 10),
		int64(record.UncancelledBids),
		int64(slot),
		now,
	)
	return err
}

func (s *Store) UpsertBidderEscrowTx(
	ctx context.Context,
	tx *Tx,
	metaPubkey solana.PublicKey,
	escrowPubkey solana.PublicKey,
	auctionPubkey solana.PublicKey,
	resource solana.PublicKey,
	escrowLamports uint64,
	slot uint64,
	record *auction.BidderMetaRecord,
) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bidder_escrows (
			meta_pubkey, escrow_pubkey, auction_pubkey, resource, bidder,
			last_bid, last_bid_at, cancelled, escrow_lamports, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(meta_pubkey) DO UPDATE SET
			escrow_pubkey = excluded.escrow_pubkey,
			auction_pubkey = excluded.auction_pubkey,
			resource = excluded.resource,
			bidder = excluded.bidder,
			last_bid = excluded.last_bid,
			last_bid_at = excluded.last_bid_at,
			cancelled = excluded.cancelled,
			escrow_lamports = excluded.escrow_lamports,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		metaPubkey.String(),
		escrowPubkey.String(),
		auctionPubkey.String(),
		resource.String(),
		record.Bidder.String(),
		strconv.FormatUint(record.LastBid, 10),
		record.LastBidAt,
		boolToInt(record.Cancelled),
		int64(escrowLamports),
		string(raw),
		int64(slot),
		now,
	)
	return err
}

// CloseBidderEscrowTx marks a withdrawn record whose meta account no longer
// exists on chain.
func (s *Store) CloseBidderEscrowTx(ctx context.Context, tx *Tx, metaPubkey solana.PublicKey, slot uint64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE bidder_escrows
		SET cancelled = 1, escrow_lamports = 0, slot = ?, updated_at = ?
		WHERE meta_pubkey = ?
	`, int64(slot), time.Now().Unix(), metaPubkey.String())
	return err
}

func (s *Store) getAuctionStatusTx(ctx context.Context, tx *Tx, pubkey string) (*string, error) {
	row := tx.QueryRowContext(ctx, `SELECT status FROM auctions WHERE pubkey = ?`, pubkey)
	var status string
	err := row.Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func auctionKindText(kind auction.AuctionKind) string {
	switch kind {
	case auction.KindEnglish:
		return "english"
	case auction.KindSealedBid:
		return "sealed_bid"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(kind))
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
