package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fpluis/manyclubs-solana/internal/config"
	"github.com/fpluis/manyclubs-solana/internal/indexer"
)

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            *indexer.Store
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/auctions", s.handleAuctions)
	mux.HandleFunc("/api/v1/auctions/", s.handleAuctionSubroutes)
	mux.HandleFunc("/api/v1/bids", s.handleBids)
	mux.HandleFunc("/api/v1/escrows", s.handleEscrows)
	mux.HandleFunc("/v1/auth/challenge", s.handleAuthChallenge)
	mux.HandleFunc("/v1/auth/verify-signature", s.handleAuthVerifySignature)
	mux.HandleFunc("/v1/auth/session/refresh", s.handleAuthSessionRefresh)
	mux.HandleFunc("/v1/wallet/escrows", s.handleWalletEscrows)
	mux.HandleFunc("/v1/wallet/bids", s.handleWalletBids)
	mux.HandleFunc("/ws", s.handleWebsocket)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type auctionDetailResponse struct {
	Auction indexer.AuctionRow   `json:"auction"`
	Escrow  *indexer.ExtendedRow `json:"escrow,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleAuctions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListAuctions(r.Context(), indexer.AuctionFilter{
		Seller:   strings.TrimSpace(r.URL.Query().Get("seller")),
		Resource: strings.TrimSpace(r.URL.Query().Get("resource")),
		Status:   strings.TrimSpace(r.URL.Query().Get("status")),
		Kind:     strings.TrimSpace(r.URL.Query().Get("kind")),
		Bidder:   strings.TrimSpace(r.URL.Query().Get("bidder")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list auctions failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list auctions")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.AuctionRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleAuctionSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	pubkey, remainder := splitAuctionSubroute(r.URL.Path)
	if pubkey == "" {
		s.respondError(w, http.StatusBadRequest, "auction pubkey is required")
		return
	}

	switch remainder {
	case "":
		s.handleAuctionDetail(w, r, pubkey)
	case "bids":
		s.handleAuctionBids(w, r, pubkey)
	case "escrows":
		s.handleAuctionEscrows(w, r, pubkey)
	case "history":
		s.handleAuctionHistory(w, r, pubkey)
	default:
		s.respondError(w, http.StatusNotFound, "unknown auction resource")
	}
}

func (s *Service) handleAuctionDetail(w http.ResponseWriter, r *http.Request, pubkey string) {
	item, err := s.store.GetAuction(r.Context(), pubkey)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "auction not found")
			return
		}
		s.logger.Error("get auction failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get auction")
		return
	}

	response := auctionDetailResponse{Auction: item}
	extended, err := s.store.GetExtendedByAuction(r.Context(), pubkey)
	if err == nil {
		response.Escrow = &extended
	} else if !errors.Is(err, indexer.ErrNotFound) {
		s.logger.Error("get extended record failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get auction")
		return
	}

	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) handleAuctionBids(w http.ResponseWriter, r *http.Request, pubkey string) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListBids(r.Context(), indexer.BidFilter{
		AuctionPubkey: pubkey,
		Bidder:        strings.TrimSpace(r.URL.Query().Get("bidder")),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.logger.Error("list auction bids failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list bids")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.BidRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleAuctionEscrows(w http.ResponseWriter, r *http.Request, pubkey string) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	openOnly, err := parseOptionalBool(r, "open_only")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListEscrows(r.Context(), indexer.EscrowFilter{
		AuctionPubkey: pubkey,
		Bidder:        strings.TrimSpace(r.URL.Query().Get("bidder")),
		OpenOnly:      openOnly,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.logger.Error("list auction escrows failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list escrows")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.EscrowRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleAuctionHistory(w http.ResponseWriter, r *http.Request, pubkey string) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListStatusHistory(r.Context(), indexer.StatusHistoryFilter{
		AuctionPubkey: pubkey,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.logger.Error("list auction history failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list status history")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.StatusHistoryRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleBids(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListBids(r.Context(), indexer.BidFilter{
		AuctionPubkey: strings.TrimSpace(r.URL.Query().Get("auction")),
		Bidder:        strings.TrimSpace(r.URL.Query().Get("bidder")),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.logger.Error("list bids failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list bids")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.BidRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleEscrows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	openOnly, err := parseOptionalBool(r, "open_only")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListEscrows(r.Context(), indexer.EscrowFilter{
		AuctionPubkey: strings.TrimSpace(r.URL.Query().Get("auction")),
		Bidder:        strings.TrimSpace(r.URL.Query().Get("bidder")),
		OpenOnly:      openOnly,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.logger.Error("list escrows failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list escrows")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.EscrowRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func splitAuctionSubroute(path string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/v1/auctions/"), "/")
	if trimmed == "" {
		return "", ""
	}
	segments := strings.Split(trimmed, "/")
	pubkey := strings.TrimSpace(segments[0])
	if len(segments) == 1 {
		return pubkey, ""
	}
	return pubkey, strings.Join(segments[1:], "/")
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseOptionalBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
