/*
Package api
File: handlers.go
Description:
    HTTP handlers for the REST API. Player handlers decode a JSON request,
    open the wallet's ledger from the session registry and run one ledger
    operation on it. Backend handlers expose the authoritative service to
    remote gateways under /backend/.

    Key Responsibilities:
    - Input validation (is the JSON valid, is a wallet given)
    - Calling exactly one ledger or backend operation per request
    - Mapping error codes to HTTP statuses
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/cosmicvoyage/star-economy/internal/backend"
	"github.com/cosmicvoyage/star-economy/internal/game"
	"github.com/cosmicvoyage/star-economy/internal/reconcile"
)

// Minter is the chain call made before a ledger mint.
type Minter interface {
	Mint(ctx context.Context, wallet, body string, fee game.Amount) (string, error)
}

type Config struct {
	Registry *game.Registry
	Backend  *backend.Service
	Chain    Minter
	Hub      *Hub

	RateLimit rate.Limit // Requests per second per client address; 0 disables limiting
	Burst     int
}

type Server struct {
	reg     *game.Registry
	backend *backend.Service
	chain   Minter
	hub     *Hub
	limiter *ipLimiter
}

func NewServer(cfg Config) *Server {
	s := &Server{reg: cfg.Registry, backend: cfg.Backend, chain: cfg.Chain, hub: cfg.Hub}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit) * 2
		}
		s.limiter = newIPLimiter(cfg.RateLimit, burst)
	}
	return s
}

// Request DTOs. Every player request names the wallet it acts for.

type SessionRequest struct {
	Wallet string `json:"wallet"`
}

type BodyRequest struct {
	Wallet string `json:"wallet"`
	Body   string `json:"body"`
}

type ActivateRequest struct {
	Wallet    string `json:"wallet"`
	UtilityID string `json:"utility_id"`
}

type GenesisRequest struct {
	Wallet   string `json:"wallet"`
	Email    string `json:"email,omitempty"`
	Referral string `json:"referral,omitempty"`
}

type ReferralRequest struct {
	Code    string `json:"code"`
	Referee string `json:"referee"`
}

type GenesisResponse struct {
	Granted  game.Amount `json:"granted"`
	Progress game.View   `json:"progress"`
}

// UtilityView is a catalog utility plus, when a wallet is given, whether
// that player can activate it now.
type UtilityView struct {
	game.BurnUtility
	Affordability *game.Affordability `json:"affordability,omitempty"`
}

// Handler returns the full route table wrapped in CORS and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Player actions
	mux.HandleFunc("POST /api/session", s.handleSession)
	mux.HandleFunc("GET /api/progress", s.handleProgress)
	mux.HandleFunc("POST /api/discover", s.handleDiscover)
	mux.HandleFunc("POST /api/mint", s.handleMint)
	mux.HandleFunc("GET /api/utilities", s.handleUtilities)
	mux.HandleFunc("POST /api/utilities/activate", s.handleActivate)
	mux.HandleFunc("POST /api/claim-bonus", s.handleClaimBonus)
	mux.HandleFunc("POST /api/daily-login", s.handleDailyLogin)
	mux.HandleFunc("POST /api/genesis", s.handleGenesis)
	mux.HandleFunc("POST /api/unify", s.handleUnify)
	mux.HandleFunc("GET /api/catalog", s.handleCatalog)

	// Authoritative backend
	if s.backend != nil {
		mux.HandleFunc("POST /backend/genesis", serveCall(s.backend.ClaimGenesis))
		mux.HandleFunc("POST /backend/discovery", serveAck(s.backend.RecordDiscovery))
		mux.HandleFunc("POST /backend/daily-login", serveCall(s.backend.ClaimDailyLogin))
		mux.HandleFunc("POST /backend/mint", serveAck(s.backend.RecordMint))
		mux.HandleFunc("POST /backend/burn", serveAck(s.backend.RecordBurn))
		mux.HandleFunc("POST /backend/balance", serveAck(s.backend.UpdateBalance))
		mux.HandleFunc("POST /backend/transfer", serveCall(s.backend.RequestTransfer))
		mux.HandleFunc("POST /backend/referral", serveCall(s.recordReferral))
		mux.HandleFunc("GET /backend/referral-stats/{wallet}", s.handleReferralStats)
		mux.HandleFunc("GET /backend/leaderboard/referrals", s.handleLeaderboard)
	}

	if s.hub != nil {
		mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(s.hub, w, r)
		})
	}

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.rateLimit(h)
	}
	return corsMiddleware(h)
}

// statusFor maps an error code to the HTTP status clients see. The backend
// client treats any 4xx other than 429 as a definitive rejection, so every
// code the backend answers with stays in that range.
func statusFor(code game.Code) int {
	switch code {
	case game.CodeSequenceViolation, game.CodePrerequisite, game.CodeNotDiscovered:
		return http.StatusForbidden
	case game.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case game.CodeUnknownBody, game.CodeUnknownUtility, game.CodeNotFound:
		return http.StatusNotFound
	case game.CodeAlreadyDiscovered, game.CodeAlreadyMinted, game.CodeAlreadyClaimed,
		game.CodeAlreadyClaimedDay, game.CodeAlreadyUnlocked, game.CodeAlreadyReferred,
		game.CodeClaimPending, game.CodeStale:
		return http.StatusConflict
	case game.CodeBadRequest, game.CodeInvalidReferral, game.CodeNothingToClaim:
		return http.StatusBadRequest
	case game.CodeRejected, game.CodeTransferFailed:
		return http.StatusUnprocessableEntity
	case game.CodeUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: encode response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var rej *reconcile.Rejection
	if errors.As(err, &rej) {
		writeJSON(w, statusFor(rej.Code), rej)
		return
	}
	if ge, ok := game.AsError(err); ok {
		writeJSON(w, statusFor(ge.Code), ge)
		return
	}
	log.Printf("API: internal error: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, &game.Error{Code: game.CodeBadRequest, Message: fmt.Sprintf("invalid JSON: %v", err)})
		return false
	}
	return true
}

// open returns the wallet's ledger, writing the error response on failure.
func (s *Server) open(w http.ResponseWriter, wallet string) (*game.Ledger, bool) {
	l, err := s.reg.Open(wallet)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return l, true
}

// serveCall adapts a backend method with a reply to a JSON handler.
func serveCall[Req, Resp any](fn func(context.Context, Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if !decode(w, r, &req) {
			return
		}
		resp, err := fn(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// serveAck adapts a backend method without a reply.
func serveAck[Req any](fn func(context.Context, Req) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if !decode(w, r, &req) {
			return
		}
		if err := fn(r.Context(), req); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reconcile.Ack{OK: true})
	}
}

// handleSession opens (or restores) the wallet's session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decode(w, r, &req) {
		return
	}
	l, ok := s.open(w, req.Wallet)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, l.View())
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	l, ok := s.open(w, r.URL.Query().Get("wallet"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, l.View())
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req BodyRequest
	if !decode(w, r, &req) {
		return
	}
	l, ok := s.open(w, req.Wallet)
	if !ok {
		return
	}
	res, err := l.Discover(req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleMint quotes the mint, has the chain mint it, then records the
// transaction on the ledger.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req BodyRequest
	if !decode(w, r, &req) {
		return
	}
	l, ok := s.open(w, req.Wallet)
	if !ok {
		return
	}
	quote, err := l.QuoteMint(req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	txRef, err := s.chain.Mint(r.Context(), l.Wallet(), req.Body, quote.ExternalFee)
	if err != nil {
		writeError(w, &game.Error{Code: game.CodeRejected, Message: err.Error()})
		return
	}
	res, err := l.Mint(req.Body, txRef)
	if err != nil {
		log.Printf("API: chain minted %s for %s in %s but the ledger refused: %v", req.Body, l.Wallet(), txRef, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUtilities(w http.ResponseWriter, r *http.Request) {
	var l *game.Ledger
	if wallet := r.URL.Query().Get("wallet"); wallet != "" {
		var ok bool
		if l, ok = s.open(w, wallet); !ok {
			return
		}
	}
	utilities := s.reg.Catalog().Utilities()
	out := make([]UtilityView, 0, len(utilities))
	for _, u := range utilities {
		v := UtilityView{BurnUtility: u}
		if l != nil {
			if a, err := l.Affordability(u.ID); err == nil {
				v.Affordability = &a
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if !decode(w, r, &req) {
		return
	}
	l, ok := s.open(w, req.Wallet)
	if !ok {
		return
	}
	res, err := l.Activate(req.UtilityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClaimBonus(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decode(w, r, &req) {
		return
	}
	l, ok := s.open(w, req.Wallet)
	if !ok {
		return
	}
	res, err := l.ClaimBonus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDailyLogin(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decode(w, r, &req) {
		return
	}
	l, ok := s.open(w, req.Wallet)
	if !ok {
		return
	}
	res, err := l.ClaimDailyLogin()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGenesis(w http.ResponseWriter, r *http.Request) {
	var req GenesisRequest
	if !decode(w, r, &req) {
		return
	}
	l, ok := s.open(w, req.Wallet)
	if !ok {
		return
	}
	granted, err := l.ClaimGenesis(req.Email, req.Referral)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GenesisResponse{Granted: granted, Progress: l.View()})
}

func (s *Server) handleUnify(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decode(w, r, &req) {
		return
	}
	l, ok := s.open(w, req.Wallet)
	if !ok {
		return
	}
	res, err := l.Unify()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Catalog().Universe())
}

func (s *Server) recordReferral(ctx context.Context, req ReferralRequest) (backend.ReferralReceipt, error) {
	return s.backend.RecordReferral(ctx, req.Code, req.Referee)
}

func (s *Server) handleReferralStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.ReferralStats(r.Context(), r.PathValue("wallet"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	top, err := s.backend.Leaderboard(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, top)
}
