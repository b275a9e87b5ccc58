package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type AuctionFilter struct {
	Seller   string
	Resource string
	Status   string
	Kind     string
	Bidder   string
	Limit    int
	Offset   int
}

type AuctionRow struct {
	Pubkey          string  `json:"pubkey"`
	Resource        string  `json:"resource"`
	Seller          string  `json:"seller"`
	Kind            string  `json:"kind"`
	Status          string  `json:"status"`
	StartingPrice   string  `json:"starting_price"`
	MinBidIncrement string  `json:"min_bid_increment"`
	Duration        int64   `json:"duration"`
	GapWindow       int64   `json:"gap_window"`
	ExtensionPeriod int64   `json:"extension_period"`
	EndAt           int64   `json:"end_at"`
	HighestBid      string  `json:"highest_bid"`
	HighestBidder   *string `json:"highest_bidder,omitempty"`
	BidCount        int64   `json:"bid_count"`
	Lamports        int64   `json:"lamports"`
	Slot            int64   `json:"slot"`
	UpdatedAt       int64   `json:"updated_at"`
}

type BidFilter struct {
	AuctionPubkey string
	Bidder        string
	Limit         int
	Offset        int
}

type BidRow struct {
	AuctionPubkey string `json:"auction_pubkey"`
	Resource      string `json:"resource"`
	Bidder        string `json:"bidder"`
	Amount        string `json:"amount"`
	BidAt         int64  `json:"bid_at"`
	Slot          int64  `json:"slot"`
}

type EscrowFilter struct {
	AuctionPubkey string
	Bidder        string
	OpenOnly      bool
	Limit         int
	Offset        int
}

type EscrowRow struct {
	MetaPubkey     string `json:"meta_pubkey"`
	EscrowPubkey   string `json:"escrow_pubkey"`
	AuctionPubkey  string `json:"auction_pubkey"`
	Resource       string `json:"resource"`
	Bidder         string `json:"bidder"`
	LastBid        string `json:"last_bid"`
	LastBidAt      int64  `json:"last_bid_at"`
	Cancelled      bool   `json:"cancelled"`
	EscrowLamports int64  `json:"escrow_lamports"`
	Slot           int64  `json:"slot"`
	UpdatedAt      int64  `json:"updated_at"`
}

type StatusHistoryFilter struct {
	AuctionPubkey string
	Limit         int
	Offset        int
}

type StatusHistoryRow struct {
	AuctionPubkey string `json:"auction_pubkey"`
	Resource      string `json:"resource"`
	PrevStatus    string `json:"prev_status"`
	NextStatus    string `json:"next_status"`
	EndAt         int64  `json:"end_at"`
	Slot          int64  `json:"slot"`
	RecordedAt    int64  `json:"recorded_at"`
}

type ExtendedRow struct {
	Pubkey          string `json:"pubkey"`
	AuctionPubkey   string `json:"auction_pubkey"`
	Resource        string `json:"resource"`
	TotalEscrowed   string `json:"total_escrowed"`
	TotalReleased   string `json:"total_released"`
	UncancelledBids int64  `json:"uncancelled_bids"`
	Slot            int64  `json:"slot"`
	UpdatedAt       int64  `json:"updated_at"`
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

const auctionColumns = `pubkey, resource, seller, kind, status, starting_price, min_bid_increment,
	duration, gap_window, extension_period, end_at, highest_bid, highest_bidder,
	bid_count, lamports, slot, updated_at`

func scanAuctionRow(row interface{ Scan(...any) error }) (AuctionRow, error) {
	var item AuctionRow
	var highestBidder sql.NullString
	err := row.Scan(
		&item.Pubkey,
		&item.Resource,
		&item.Seller,
		&item.Kind,
		&item.Status,
		&item.StartingPrice,
		&item.MinBidIncrement,
		&item.Duration,
		&item.GapWindow,
		&item.ExtensionPeriod,
		&item.EndAt,
		&item.HighestBid,
		&highestBidder,
		&item.BidCount,
		&item.Lamports,
		&item.Slot,
		&item.UpdatedAt,
	)
	if err != nil {
		return AuctionRow{}, err
	}
	if highestBidder.Valid {
		item.HighestBidder = &highestBidder.String
	}
	return item, nil
}

func (s *Store) ListAuctions(ctx context.Context, filter AuctionFilter) ([]AuctionRow, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)

	clauses := []string{"1 = 1"}
	args := []any{}
	if filter.Seller != "" {
		clauses = append(clauses, "seller = ?")
		args = append(args, filter.Seller)
	}
	if filter.Resource != "" {
		clauses = append(clauses, "resource = ?")
		args = append(args, filter.Resource)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Bidder != "" {
		clauses = append(clauses, "pubkey IN (SELECT auction_pubkey FROM auction_bids WHERE bidder = ?)")
		args = append(args, filter.Bidder)
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT %s
		FROM auctions
		WHERE %s
		ORDER BY updated_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, auctionColumns, strings.Join(clauses, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := []AuctionRow{}
	for rows.Next() {
		item, err := scanAuctionRow(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func (s *Store) GetAuction(ctx context.Context, pubkey string) (AuctionRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM auctions WHERE pubkey = ?`, auctionColumns)
	item, err := scanAuctionRow(s.db.QueryRowContext(ctx, query, pubkey))
	if errors.Is(err, sql.ErrNoRows) {
		return AuctionRow{}, ErrNotFound
	}
	if err != nil {
		return AuctionRow{}, err
	}
	return item, nil
}

func (s *Store) GetExtendedByAuction(ctx context.Context, auctionPubkey string) (ExtendedRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, auction_pubkey, resource, total_escrowed, total_released,
			uncancelled_bids, slot, updated_at
		FROM extended_records
		WHERE auction_pubkey = ?
	`, auctionPubkey)

	var item ExtendedRow
	err := row.Scan(
		&item.Pubkey,
		&item.AuctionPubkey,
		&item.Resource,
		&item.TotalEscrowed,
		&item.TotalReleased,
		&item.UncancelledBids,
		&item.Slot,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ExtendedRow{}, ErrNotFound
	}
	if err != nil {
		return ExtendedRow{}, err
	}
	return item, nil
}

func (s *Store) ListBids(ctx context.Context, filter BidFilter) ([]BidRow, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)

	clauses := []string{"1 = 1"}
	args := []any{}
	if filter.AuctionPubkey != "" {
		clauses = append(clauses, "auction_pubkey = ?")
		args = append(args, filter.AuctionPubkey)
	}
	if filter.Bidder != "" {
		clauses = append(clauses, "bidder = ?")
		args = append(args, filter.Bidder)
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT auction_pubkey, resource, bidder, amount, bid_at, slot
		FROM auction_bids
		WHERE %s
		ORDER BY bid_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := []BidRow{}
	for rows.Next() {
		var item BidRow
		if err := rows.Scan(
			&item.AuctionPubkey,
			&item.Resource,
			&item.Bidder,
			&item.Amount,
			&item.BidAt,
			&item.Slot,
		); err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func (s *Store) ListEscrows(ctx context.Context, filter EscrowFilter) ([]EscrowRow, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)

	clauses := []string{"1 = 1"}
	args := []any{}
	if filter.AuctionPubkey != "" {
		clauses = append(clauses, "auction_pubkey = ?")
		args = append(args, filter.AuctionPubkey)
	}
	if filter.Bidder != "" {
		clauses = append(clauses, "bidder = ?")
		args = append(args, filter.Bidder)
	}
	if filter.OpenOnly {
		clauses = append(clauses, "cancelled = 0")
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT meta_pubkey, escrow_pubkey, auction_pubkey, resource, bidder,
			last_bid, last_bid_at, cancelled, escrow_lamports, slot, updated_at
		FROM bidder_escrows
		WHERE %s
		ORDER BY updated_at DESC, meta_pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := []EscrowRow{}
	for rows.Next() {
		var item EscrowRow
		var cancelled int
		if err := rows.Scan(
			&item.MetaPubkey,
			&item.EscrowPubkey,
			&item.AuctionPubkey,
			&item.Resource,
			&item.Bidder,
			&item.LastBid,
			&item.LastBidAt,
			&cancelled,
			&item.EscrowLamports,
			&item.Slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Cancelled = cancelled != 0
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func (s *Store) ListStatusHistory(ctx context.Context, filter StatusHistoryFilter) ([]StatusHistoryRow, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)

	clauses := []string{"1 = 1"}
	args := []any{}
	if filter.AuctionPubkey != "" {
		clauses = append(clauses, "auction_pubkey = ?")
		args = append(args, filter.AuctionPubkey)
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT auction_pubkey, resource, prev_status, next_status, end_at, slot, recorded_at
		FROM auction_status_history
		WHERE %s
		ORDER BY recorded_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := []StatusHistoryRow{}
	for rows.Next() {
		var item StatusHistoryRow
		if err := rows.Scan(
			&item.AuctionPubkey,
			&item.Resource,
			&item.PrevStatus,
			&item.NextStatus,
			&item.EndAt,
			&item.Slot,
			&item.RecordedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}
