package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fpluis/manyclubs-solana/internal/auction"
	"github.com/fpluis/manyclubs-solana/internal/config"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

// Service cranks permissionless transitions: any Started auction whose
// deadline has passed gets an EndAuction sent on its behalf.
type Service struct {
	cfg    config.KeeperConfig
	rpc    *rpc.Client
	signer solana.PrivateKey
	logger *slog.Logger
}

type expiredAuction struct {
	pubkey solana.PublicKey
	record *auction.AuctionRecord
}

func New(cfg config.KeeperConfig, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}

	return &Service{
		cfg:    cfg,
		rpc:    rpc.New(cfg.RPCURL),
		signer: signer,
		logger: logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"cranker", s.signer.PublicKey(),
		"auction_program", s.cfg.AuctionProgramID,
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	now := s.getClusterUnixTime(ctx)

	candidates, err := s.fetchExpiredAuctions(ctx, now)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	// Oldest deadlines first, so a backlog drains in a fair order.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].record.State.EndAt != candidates[j].record.State.EndAt {
			return candidates[i].record.State.EndAt < candidates[j].record.State.EndAt
		}
		return candidates[i].pubkey.String() < candidates[j].pubkey.String()
	})

	cranked := 0
	for _, candidate := range candidates {
		if s.cfg.MaxCranksPerTick > 0 && cranked >= s.cfg.MaxCranksPerTick {
			s.logger.Info("crank budget exhausted for tick",
				"cranked", cranked,
				"remaining", len(candidates)-cranked,
			)
			break
		}
		if err := s.endAuction(ctx, candidate); err != nil {
			s.logger.Error("end auction failed",
				"auction", candidate.pubkey,
				"resource", candidate.record.Config.Resource,
				"end_at", candidate.record.State.EndAt,
				"err", err,
			)
			continue
		}
		cranked++
	}

	if cranked > 0 {
		s.logger.Info("tick complete", "cranked", cranked, "expired", len(candidates))
	}
	return nil
}

func (s *Service) fetchExpiredAuctions(ctx context.Context, now int64) ([]expiredAuction, error) {
	accounts, err := s.rpc.GetProgramAccountsWithOpts(ctx, s.cfg.AuctionProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: s.cfg.Commitment,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58{auction.AccountTagAuction}}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan auction accounts: %w", err)
	}

	expired := []expiredAuction{}
	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		record, err := auction.ParseAuctionRecord(item.Account.Data.GetBinary())
		if err != nil {
			s.logger.Warn("skipping unparseable auction account", "pubkey", item.Pubkey, "err", err)
			continue
		}
		if record.State.Status != auction.StatusStarted {
			continue
		}
		if record.State.EndAt > now {
			continue
		}
		expired = append(expired, expiredAuction{pubkey: item.Pubkey, record: record})
	}
	return expired, nil
}

func (s *Service) endAuction(ctx context.Context, candidate expiredAuction) error {
	endIx, err := auction.NewEndAuctionInstruction(s.cfg.AuctionProgramID, candidate.record.Config.Resource)
	if err != nil {
		return fmt.Errorf("build end_auction instruction: %w", err)
	}

	instructions := make([]solana.Instruction, 0, 3)
	if s.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, buildErr := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if buildErr != nil {
			return fmt.Errorf("build compute unit limit instruction: %w", buildErr)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, buildErr := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if buildErr != nil {
			return fmt.Errorf("build compute unit price instruction: %w", buildErr)
		}
		instructions = append(instructions, cuPriceIx)
	}
	instructions = append(instructions, endIx)

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	signature, err := s.sendTransaction(txCtx, instructions)
	if err != nil {
		return fmt.Errorf("send end_auction transaction: %w", err)
	}
	if err := s.waitForConfirmation(txCtx, signature); err != nil {
		return fmt.Errorf("confirm end_auction %s: %w", signature, err)
	}

	s.logger.Info(
		"auction ended",
		"auction",
		candidate.pubkey,
		"resource",
		candidate.record.Config.Resource,
		"end_at",
		candidate.record.State.EndAt,
		"highest_bid",
		candidate.record.State.HighestBid,
		"signature",
		signature,
	)

	return nil
}

func (s *Service) getClusterUnixTime(ctx context.Context) int64 {
	slot, err := s.rpc.GetSlot(ctx, s.cfg.Commitment)
	if err != nil {
		s.logger.Warn("using local clock because getSlot failed", "err", err)
		return time.Now().Unix()
	}

	blockTime, err := s.rpc.GetBlockTime(ctx, slot)
	if err != nil || blockTime == nil {
		s.logger.Warn("using local clock because getBlockTime unavailable", "slot", slot, "err", err)
		return time.Now().Unix()
	}

	return int64(*blockTime)
}

func (s *Service) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

func (s *Service) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
