package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fpluis/manyclubs-solana/internal/auction"
	"github.com/fpluis/manyclubs-solana/internal/config"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

type Service struct {
	cfg    config.IndexerConfig
	rpc    *rpc.Client
	store  *Store
	logger *slog.Logger
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	return &Service{
		cfg:    cfg,
		rpc:    rpc.New(cfg.RPCURL),
		store:  store,
		logger: logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.RPCURL,
		"db_driver", "postgres",
		"commitment", s.cfg.Commitment,
		"program", s.cfg.AuctionProgramID,
	)

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

func (s *Service) syncOnce(ctx context.Context) error {
	var slot uint64
	err := s.withRetry(ctx, "get slot", func() error {
		var err error
		slot, err = s.rpc.GetSlot(ctx, s.cfg.Commitment)
		return err
	})
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	stats := map[string]int{}

	err = s.store.WithTx(ctx, func(tx *Tx) error {
		if err := s.syncAuctions(ctx, tx, slot, stats); err != nil {
			return err
		}
		if err := s.syncExtendedRecords(ctx, tx, slot, stats); err != nil {
			return err
		}
		return s.store.UpsertSyncStateTx(ctx, tx, slot)
	})
	if err != nil {
		return err
	}

	s.logger.Info(
		"sync complete",
		"slot", slot,
		"auctions", stats["auctions"],
		"extended", stats["extended"],
		"escrows", stats["escrows"],
	)

	return nil
}

func (s *Service) syncAuctions(ctx context.Context, tx *Tx, slot uint64, stats map[string]int) error {
	return s.scanAndStore(ctx, slot, "Auction", auction.AccountTagAuction,
		func(item *rpc.KeyedAccount) error {
			record, err := auction.ParseAuctionRecord(item.Account.Data.GetBinary())
			if err != nil {
				return err
			}
			if err := s.store.UpsertAuctionTx(ctx, tx, item.Pubkey, slot, item.Account.Lamports, record); err != nil {
				return err
			}
			stats["auctions"]++
			return s.syncBidderEscrows(ctx, tx, slot, item.Pubkey, record, stats)
		})
}

func (s *Service) syncExtendedRecords(ctx context.Context, tx *Tx, slot uint64, stats map[string]int) error {
	return s.scanAndStore(ctx, slot, "Extended", auction.AccountTagExtended,
		func(item *rpc.KeyedAccount) error {
			record, err := auction.ParseExtendedRecord(item.Account.Data.GetBinary())
			if err != nil {
				return err
			}
			auctionPubkey, _, err := auction.DeriveAuctionPDA(s.cfg.AuctionProgramID, record.Resource)
			if err != nil {
				return err
			}
			stats["extended"]++
			return s.store.UpsertExtendedTx(ctx, tx, item.Pubkey, auctionPubkey, slot, record)
		})
}

// syncBidderEscrows resolves the bidder_meta and escrow accounts for every
// distinct bidder seen in the auction history. Meta records carry no back
// pointer to their auction, so the derivation runs forward from the history
// instead of scanning the meta tag.
func (s *Service) syncBidderEscrows(ctx context.Context, tx *Tx, slot uint64, auctionPubkey solana.PublicKey, record *auction.AuctionRecord, stats map[string]int) error {
	seen := map[solana.PublicKey]struct{}{}
	bidders := []solana.PublicKey{}
	for _, entry := range record.State.History {
		if _, ok := seen[entry.Bidder]; ok {
			continue
		}
		seen[entry.Bidder] = struct{}{}
		bidders = append(bidders, entry.Bidder)
	}
	if len(bidders) == 0 {
		return nil
	}

	keys := make([]solana.PublicKey, 0, len(bidders)*2)
	metaKeys := make([]solana.PublicKey, 0, len(bidders))
	escrowKeys := make([]solana.PublicKey, 0, len(bidders))
	for _, bidder := range bidders {
		metaKey, _, err := auction.DeriveBidderMetaPDA(s.cfg.AuctionProgramID, record.Config.Resource, bidder)
		if err != nil {
			return err
		}
		escrowKey, _, err := auction.DeriveEscrowPDA(s.cfg.AuctionProgramID, record.Config.Resource, bidder)
		if err != nil {
			return err
		}
		metaKeys = append(metaKeys, metaKey)
		escrowKeys = append(escrowKeys, escrowKey)
		keys = append(keys, metaKey, escrowKey)
	}

	var result *rpc.GetMultipleAccountsResult
	err := s.withRetry(ctx, "get bidder accounts", func() error {
		var err error
		result, err = s.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{
			Commitment: s.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch bidder accounts for auction %s: %w", auctionPubkey, err)
	}

	for i, bidder := range bidders {
		metaAccount := result.Value[i*2]
		escrowAccount := result.Value[i*2+1]

		if metaAccount == nil {
			if err := s.store.CloseBidderEscrowTx(ctx, tx, metaKeys[i], slot); err != nil {
				return err
			}
			continue
		}

		meta, err := auction.ParseBidderMetaRecord(metaAccount.Data.GetBinary())
		if err != nil {
			s.logger.Warn("failed to parse bidder meta",
				"auction", auctionPubkey,
				"bidder", bidder,
				"pubkey", metaKeys[i],
				"err", err,
			)
			continue
		}

		var escrowLamports uint64
		if escrowAccount != nil {
			escrowLamports = escrowAccount.Lamports
		}

		if err := s.store.UpsertBidderEscrowTx(
			ctx, tx,
			metaKeys[i], escrowKeys[i], auctionPubkey, record.Config.Resource,
			escrowLamports, slot, meta,
		); err != nil {
			return err
		}
		stats["escrows"]++
	}
	return nil
}

func (s *Service) scanAndStore(
	ctx context.Context,
	slot uint64,
	accountType string,
	tag uint8,
	handler func(item *rpc.KeyedAccount) error,
) error {
	programID := s.cfg.AuctionProgramID

	var accounts rpc.GetProgramAccountsResult
	err := s.withRetry(ctx, "scan accounts", func() error {
		var err error
		accounts, err = s.rpc.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
			Commitment: s.cfg.Commitment,
			Filters: []rpc.RPCFilter{
				{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58{tag}}},
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("scan %s accounts for program %s: %w", accountType, programID, err)
	}

	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		if err := handler(item); err != nil {
			s.logger.Warn("failed to index account",
				"program", programID,
				"account_type", accountType,
				"pubkey", item.Pubkey,
				"slot", slot,
				"err", err,
			)
		}
	}
	return nil
}

func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := s.cfg.RPCMaxRetries
	if attempts < 1 {
		attempts = 1
	}

	delay := s.cfg.RPCRetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		s.logger.Warn("rpc call failed, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay.String(),
			"err", lastErr,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = nextRetryDelay(delay, s.cfg.RPCRetryBaseDelay, s.cfg.RPCRetryMaxDelay)
	}
	return lastErr
}

func nextRetryDelay(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		next = max
	}
	if next <= 0 {
		next = base
	}
	return next
}
