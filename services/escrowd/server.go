// Package escrowd serves the local escrowdesk HTTP API: escrow reads and
// mutations, transaction status and history, and a websocket notification
// stream.
package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowdesk/app"
	"escrowdesk/escrow"
	"escrowdesk/journal"
	"escrowdesk/ledger"
	"escrowdesk/observability/logging"
	"escrowdesk/txctl"
	"escrowdesk/userdir"
)

const (
	maxRequestBody = 1 << 16
	readTimeout    = 15 * time.Second

	ScopeRead  = "escrow:read"
	ScopeWrite = "escrow:write"
)

// Server is the HTTP front-end over a wired App.
type Server struct {
	app     *app.App
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewServer builds the API for a. The authenticator is enabled only when an
// HMAC secret is configured.
func NewServer(a *app.App) *Server {
	if a == nil {
		panic("app required")
	}
	cfg := a.Config.API
	logger := a.Logger().With(slog.String("component", "escrowd"))
	return &Server{
		app: a,
		auth: NewAuthenticator(AuthConfig{
			Enabled:    cfg.JWTSecret != "",
			HMACSecret: cfg.JWTSecret,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
		}, logger),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger,
	}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.limiter.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware(ScopeRead))
		r.With(observe("escrows.list")).Get("/escrows", s.handleList)
		r.With(observe("escrows.count")).Get("/escrows/count", s.handleCount)
		r.With(observe("escrows.get")).Get("/escrows/{id}", s.handleGet)
		r.With(observe("selection.get")).Get("/selection", s.handleSelection)
		r.With(observe("tx.get")).Get("/tx", s.handleTxState)
		r.With(observe("tx.history")).Get("/tx/history", s.handleHistory)
		r.With(observe("tx.transitions")).Get("/tx/history/{session}/{attempt}", s.handleTransitions)
		r.With(observe("account.get")).Get("/account", s.handleAccount)
		r.With(observe("notifications.visible")).Get("/notifications/visible", s.handleVisible)
		r.Get("/notifications", s.handleNotificationsWS)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware(ScopeWrite))
		r.Use(s.audit)
		r.With(observe("escrows.select")).Post("/escrows/{id}/select", s.handleSelect)
		r.With(observe("selection.clear")).Delete("/selection", s.handleClearSelection)
		r.With(observe("escrows.create")).Post("/escrows", s.handleCreate(false))
		r.With(observe("escrows.create_unfunded")).Post("/escrows/unfunded", s.handleCreate(true))
		r.With(observe("escrows.deposit")).Post("/escrows/{id}/deposit", s.handleDeposit)
		r.With(observe("escrows.release")).Post("/escrows/{id}/release", s.handleSettle(s.app.Escrow.Release))
		r.With(observe("escrows.refund")).Post("/escrows/{id}/refund", s.handleSettle(s.app.Escrow.Refund))
		r.With(observe("escrows.refund_expired")).Post("/escrows/{id}/refund-expired", s.handleSettle(s.app.Escrow.RefundExpired))
		r.With(observe("escrows.dispute")).Post("/escrows/{id}/dispute", s.handleSettle(s.app.Escrow.DisputeMark))
		r.With(observe("escrows.refresh")).Post("/refresh", s.handleRefresh)
		r.With(observe("tx.reset")).Post("/tx/reset", s.handleReset)
		r.With(observe("account.register")).Post("/account/register", s.handleRegister)
	})

	return otelhttp.NewHandler(r, "escrowd")
}

type listResponse struct {
	Caller  common.Address `json:"caller"`
	Role    string         `json:"role"`
	Escrows []escrow.View  `json:"escrows"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	role, err := escrow.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	views, err := s.app.Escrow.ListByRole(ctx, role)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	caller, _ := s.app.Ledger.Account()
	writeJSON(w, http.StatusOK, listResponse{Caller: caller, Role: role.String(), Escrows: views})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	n, err := s.app.Escrow.Count(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"count": n})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	view, found := s.app.Escrow.Lookup(id)
	if !found {
		ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
		defer cancel()
		if _, err := s.app.Escrow.ListByRole(ctx, escrow.RoleAll); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		view, found = s.app.Escrow.Lookup(id)
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("escrow %d not found for caller", id))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	sel, err := s.app.Escrow.SelectForDeposit(ctx, id)
	switch {
	case errors.Is(err, escrow.ErrSelectionChanged):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, sel)
	}
}

func (s *Server) handleSelection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Escrow.Selection())
}

func (s *Server) handleClearSelection(w http.ResponseWriter, _ *http.Request) {
	s.app.Escrow.ClearSelection()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreate(unfunded bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params escrow.CreateParams
		if err := decodeBody(r, &params); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		create := s.app.Escrow.Create
		if unfunded {
			create = s.app.Escrow.CreateUnfunded
		}
		receipt, err := create(r.Context(), params)
		s.writeOutcome(w, receipt, err)
	}
}

type depositRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receipt, err := s.app.Escrow.Deposit(r.Context(), id, req.Amount)
	s.writeOutcome(w, receipt, err)
}

func (s *Server) handleSettle(fn func(context.Context, uint64) (*ledger.Receipt, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := escrowID(w, r)
		if !ok {
			return
		}
		receipt, err := fn(r.Context(), id)
		s.writeOutcome(w, receipt, err)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	if err := s.app.Escrow.RefreshAll(ctx); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Escrow.Snapshot())
}

type txResponse struct {
	txctl.State
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	ExplorerURL string `json:"explorerUrl,omitempty"`
}

func (s *Server) txView() txResponse {
	st := s.app.Controller.State()
	resp := txResponse{
		State:       st,
		Status:      txctl.StatusMessage(st),
		ExplorerURL: ledger.ExplorerURL(s.app.Config.Ledger.Network, st.Handle),
	}
	if st.LastError != nil {
		resp.Error = st.LastError.Error()
	}
	return resp
}

func (s *Server) handleTxState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.txView())
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.app.Controller.Reset()
	writeJSON(w, http.StatusOK, s.txView())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	attempts, err := s.app.Journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if attempts == nil {
		attempts = []journal.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s.app.Journal.Session(), "attempts": attempts})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	attempt, err := strconv.ParseUint(chi.URLParam(r, "attempt"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("attempt must be an unsigned integer"))
		return
	}
	entries, err := s.app.Journal.Transitions(r.Context(), chi.URLParam(r, "session"), attempt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, errors.New("attempt not found"))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type accountResponse struct {
	Address           common.Address `json:"address"`
	Connected         bool           `json:"connected"`
	User              *userdir.User  `json:"user,omitempty"`
	NeedsRegistration *bool          `json:"needsRegistration,omitempty"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, connected := s.app.Ledger.Account()
	resp := accountResponse{Address: addr, Connected: connected}
	if connected && s.app.Users != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
		defer cancel()
		user, err := s.app.Users.Lookup(ctx, addr)
		switch {
		case err == nil:
			resp.User = user
			needs := false
			resp.NeedsRegistration = &needs
		case errors.Is(err, userdir.ErrNotFound):
			needs := true
			resp.NeedsRegistration = &needs
		default:
			s.logger.Warn("user directory lookup failed", slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type registerRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.app.Users == nil {
		writeError(w, http.StatusNotImplemented, errors.New("user directory not configured"))
		return
	}
	addr, connected := s.app.Ledger.Account()
	if !connected {
		writeError(w, http.StatusBadRequest, errors.New("wallet not connected"))
		return
	}
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.app.Users.Register(r.Context(), userdir.Registration{
		Name:          req.Name,
		WalletAddress: addr.Hex(),
		Role:          userdir.Role(req.Role),
	})
	if err != nil {
		status := http.StatusBadGateway
		if kind, ok := txctl.KindOf(err); ok && kind == txctl.KindValidation {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	s.logger.Info("wallet registered in user directory",
		logging.MaskField("name", user.Name),
		slog.String("role", string(user.Role)),
		slog.String("subject", Subject(r.Context())))
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleVisible(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Hub.Visible())
}

type outcomeResponse struct {
	Handle      common.Hash `json:"handle"`
	BlockNumber uint64      `json:"blockNumber"`
	ExplorerURL string      `json:"explorerUrl,omitempty"`
}

// writeOutcome maps a mutation result onto an HTTP response.
func (s *Server) writeOutcome(w http.ResponseWriter, receipt *ledger.Receipt, err error) {
	if err == nil {
		resp := outcomeResponse{}
		if receipt != nil {
			resp.Handle = receipt.Handle
			resp.BlockNumber = receipt.BlockNumber
			resp.ExplorerURL = ledger.ExplorerURL(s.app.Config.Ledger.Network, receipt.Handle)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, txctl.ErrBusy), errors.Is(err, txctl.ErrStaleResponse):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	kind, ok := txctl.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case txctl.KindValidation:
		return http.StatusBadRequest
	case txctl.KindSignatureRejected, txctl.KindConfirmation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func escrowID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("escrow id must be an unsigned integer"))
		return 0, false
	}
	return id, true
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := strings.TrimSpace(err.Error())
	writeJSON(w, status, map[string]string{"error": msg})
}
