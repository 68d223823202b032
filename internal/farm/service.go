package farm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/staking-engine/internal/auth"
	"github.com/atmx/staking-engine/internal/fixed"
	"github.com/atmx/staking-engine/internal/ledger"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/store"
)

// AccountBook is the account management surface of a ledger that the
// service exposes alongside staking.
type AccountBook interface {
	OpenAccount(ctx context.Context, owner, mint string) (ledger.Account, error)
	Account(ctx context.Context, id string) (ledger.Account, error)
	Mint(ctx context.Context, account string, amount uint64) error
}

// Service exposes the Engine over HTTP.
type Service struct {
	engine   *Engine
	accounts AccountBook // optional
	faucet   bool
}

// NewService creates the HTTP service. Pass nil for accounts to leave the
// ledger routes unmounted; faucet enables POST /ledger/mint.
func NewService(engine *Engine, accounts AccountBook, faucet bool) *Service {
	return &Service{engine: engine, accounts: accounts, faucet: faucet}
}

// Routes mounts every handler on r. Call inside r.Route("/api/v1", ...).
func (s *Service) Routes(r chi.Router) {
	r.Route("/chefs", func(r chi.Router) {
		r.Get("/", s.ListChefs)
		r.Post("/", s.Initialize)

		r.Route("/{chefID}", func(r chi.Router) {
			r.Get("/", s.GetChef)
			r.Patch("/config", s.SetAdmin)
			r.Get("/events", s.ListEvents)
			r.Get("/owners/{owner}/positions", s.ListOwnerPositions)

			r.Route("/pools", func(r chi.Router) {
				r.Get("/", s.ListPools)
				r.Post("/", s.AddPool)

				r.Route("/{lpToken}", func(r chi.Router) {
					r.Get("/", s.GetPool)
					r.Put("/reward-per-slot", s.UpdateRewardPerSlot)
					r.Post("/deposit", s.Deposit)
					r.Post("/withdraw", s.Withdraw)
					r.Post("/claim", s.Claim)
					r.Get("/positions", s.ListPositions)
					r.Get("/positions/{owner}", s.GetPosition)
				})
			})
		})
	})

	if s.accounts != nil {
		r.Post("/ledger/accounts", s.OpenAccount)
		r.Get("/ledger/accounts/{account}", s.GetAccount)
		if s.faucet {
			r.Post("/ledger/mint", s.MintTokens)
		}
	}
}

// --- Request/Response types ---

// ConfigRequest is the JSON body for PATCH /chefs/{chefID}/config.
type ConfigRequest struct {
	Admin *string `json:"admin"`
}

// RateRequest is the JSON body for PUT .../reward-per-slot.
type RateRequest struct {
	RewardPerSlot uint64 `json:"reward_per_slot"`
}

// StakeRequest is the JSON body for deposit and withdraw.
type StakeRequest struct {
	TokenAccount string `json:"token_account"`
	Amount       uint64 `json:"amount"`
}

// ClaimRequest is the JSON body for claim.
type ClaimRequest struct {
	TokenAccount string `json:"token_account"`
}

// PositionView is a position together with its live pending reward.
type PositionView struct {
	model.UserPosition
	PendingReward fixed.Fixed `json:"pending_reward"`
	Claimable     uint64      `json:"claimable"`
	Slot          uint64      `json:"slot"`
}

// OpenAccountRequest is the JSON body for POST /ledger/accounts.
type OpenAccountRequest struct {
	Owner string `json:"owner"`
	Mint  string `json:"mint"`
}

// MintRequest is the JSON body for POST /ledger/mint.
type MintRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// --- Registry handlers ---

// Initialize handles POST /api/v1/chefs
func (s *Service) Initialize(w http.ResponseWriter, r *http.Request) {
	signer, ok := requireSigner(w, r)
	if !ok {
		return
	}
	chef, err := s.engine.Initialize(r.Context(), signer)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chef)
}

// ListChefs handles GET /api/v1/chefs
func (s *Service) ListChefs(w http.ResponseWriter, r *http.Request) {
	chefs, err := s.engine.ListChefs(r.Context())
	if err != nil {
		writeError(w, "failed to list chefs", http.StatusInternalServerError)
		return
	}
	if chefs == nil {
		chefs = []model.MasterChef{}
	}
	writeJSON(w, http.StatusOK, chefs)
}

// GetChef handles GET /api/v1/chefs/{chefID}
func (s *Service) GetChef(w http.ResponseWriter, r *http.Request) {
	chef, err := s.engine.GetChef(r.Context(), chi.URLParam(r, "chefID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chef)
}

// SetAdmin handles PATCH /api/v1/chefs/{chefID}/config
func (s *Service) SetAdmin(w http.ResponseWriter, r *http.Request) {
	signer, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req ConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	chef, err := s.engine.SetAdmin(r.Context(), chi.URLParam(r, "chefID"), signer, model.ConfigPatch{Admin: req.Admin})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chef)
}

// ListEvents handles GET /api/v1/chefs/{chefID}/events
// Optional filters: ?type=, ?lp_token=, ?signer=, ?limit=.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{
		Type:    model.EventType(q.Get("type")),
		LPToken: q.Get("lp_token"),
		Signer:  q.Get("signer"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}

	events, err := s.engine.ListEvents(r.Context(), chi.URLParam(r, "chefID"), f)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Pool handlers ---

// ListPools handles GET /api/v1/chefs/{chefID}/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	chef, err := s.engine.GetChef(r.Context(), chi.URLParam(r, "chefID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chef.ActivePools())
}

// AddPool handles POST /api/v1/chefs/{chefID}/pools
func (s *Service) AddPool(w http.ResponseWriter, r *http.Request) {
	signer, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req AddPoolParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pool, err := s.engine.AddPool(r.Context(), chi.URLParam(r, "chefID"), signer, req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

// GetPool handles GET /api/v1/chefs/{chefID}/pools/{lpToken}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.engine.GetPool(r.Context(), chi.URLParam(r, "chefID"), chi.URLParam(r, "lpToken"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// UpdateRewardPerSlot handles PUT /api/v1/chefs/{chefID}/pools/{lpToken}/reward-per-slot
func (s *Service) UpdateRewardPerSlot(w http.ResponseWriter, r *http.Request) {
	signer, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req RateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pool, err := s.engine.UpdateRewardPerSlot(r.Context(),
		chi.URLParam(r, "chefID"), signer, chi.URLParam(r, "lpToken"), req.RewardPerSlot)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// --- Staking handlers ---

// Deposit handles POST /api/v1/chefs/{chefID}/pools/{lpToken}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.stake(w, r, s.engine.Deposit)
}

// Withdraw handles POST /api/v1/chefs/{chefID}/pools/{lpToken}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.stake(w, r, s.engine.Withdraw)
}

type stakeFunc func(ctx context.Context, chefID, signer, lpToken, tokenAccount string, amount uint64) (*Settlement, error)

func (s *Service) stake(w http.ResponseWriter, r *http.Request, fn stakeFunc) {
	signer, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TokenAccount == "" {
		writeError(w, "token_account is required", http.StatusBadRequest)
		return
	}
	res, err := fn(r.Context(), chi.URLParam(r, "chefID"), signer, chi.URLParam(r, "lpToken"), req.TokenAccount, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Claim handles POST /api/v1/chefs/{chefID}/pools/{lpToken}/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	signer, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TokenAccount == "" {
		writeError(w, "token_account is required", http.StatusBadRequest)
		return
	}
	res, err := s.engine.Claim(r.Context(), chi.URLParam(r, "chefID"), signer, chi.URLParam(r, "lpToken"), req.TokenAccount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Position handlers ---

// ListPositions handles GET /api/v1/chefs/{chefID}/pools/{lpToken}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.ListPositions(r.Context(), chi.URLParam(r, "chefID"), chi.URLParam(r, "lpToken"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.UserPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/chefs/{chefID}/pools/{lpToken}/positions/{owner}
// The response includes the reward pending at the current slot.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chefID, lpToken, owner := chi.URLParam(r, "chefID"), chi.URLParam(r, "lpToken"), chi.URLParam(r, "owner")

	pos, err := s.engine.GetPosition(ctx, chefID, lpToken, owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	pending, err := s.engine.PendingReward(ctx, chefID, lpToken, owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PositionView{
		UserPosition:  *pos,
		PendingReward: pending.Reward,
		Claimable:     pending.Claimable,
		Slot:          pending.Slot,
	})
}

// ListOwnerPositions handles GET /api/v1/chefs/{chefID}/owners/{owner}/positions
func (s *Service) ListOwnerPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.ListPositionsByOwner(r.Context(), chi.URLParam(r, "chefID"), chi.URLParam(r, "owner"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.UserPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Ledger handlers ---

// OpenAccount handles POST /api/v1/ledger/accounts
// The account is always owned by the signer.
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	signer, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mint == "" {
		writeError(w, "mint is required", http.StatusBadRequest)
		return
	}
	owner := signer
	if req.Owner != "" && req.Owner != signer {
		writeError(w, "accounts can only be opened for the signer", http.StatusForbidden)
		return
	}
	acct, err := s.accounts.OpenAccount(r.Context(), owner, req.Mint)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/ledger/accounts/{account}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.accounts.Account(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// MintTokens handles POST /api/v1/ledger/mint (faucet only).
func (s *Service) MintTokens(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" || req.Amount == 0 {
		writeError(w, "account and a positive amount are required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := s.accounts.Mint(ctx, req.Account, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	acct, err := s.accounts.Account(ctx, req.Account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// --- helpers ---

func requireSigner(w http.ResponseWriter, r *http.Request) (string, bool) {
	signer := auth.Signer(r.Context())
	if signer == "" {
		writeError(w, "signer identity required", http.StatusUnauthorized)
		return "", false
	}
	return signer, true
}

// statusFor maps an operation error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrChefNotFound),
		errors.Is(err, model.ErrPoolNotFound),
		errors.Is(err, model.ErrPositionNotFound),
		errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPoolAlreadyExists),
		errors.Is(err, model.ErrRegistryFull),
		errors.Is(err, model.ErrInsufficientStake),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnauthorized),
		errors.Is(err, ledger.ErrInvalidAuthority):
		return http.StatusForbidden
	case errors.Is(err, model.ErrMathOverflow),
		errors.Is(err, model.ErrInvariantViolation),
		errors.Is(err, model.ErrInvalidTransferTarget),
		errors.Is(err, ledger.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
