package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowd/gateway/auth"
	"escrowd/gateway/middleware"
	"escrowd/observability/logging"
	"escrowd/observability/metrics"
	"escrowd/sdk/escrow"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotency-Replayed"
)

var errCallerMismatch = errors.New("caller does not match the address bound to this API key")

// nodeAPI is the slice of the node RPC surface the gateway forwards to.
// *escrow.Client satisfies it; tests substitute a stub.
type nodeAPI interface {
	Create(ctx context.Context, req escrow.CreateRequest) (*escrow.CreateResponse, error)
	Lock(ctx context.Context, id, resolver string) (*escrow.State, error)
	Complete(ctx context.Context, id, resolver, secret string) (*escrow.State, error)
	Refund(ctx context.Context, id, caller string) (*escrow.State, error)
	Get(ctx context.Context, id string) (*escrow.State, error)
	ListByMaker(ctx context.Context, maker string) ([]escrow.State, error)
	List(ctx context.Context, cursor string, limit int) (*escrow.ListResult, error)
	Stats(ctx context.Context) (*escrow.Stats, error)
}

// Server translates the signed REST surface into node RPC calls.
type Server struct {
	node  nodeAPI
	store *Store
	auth  *auth.Authenticator
	log   *slog.Logger
	nowFn func() time.Time
}

func NewServer(node nodeAPI, store *Store, authn *auth.Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{node: node, store: store, auth: authn, log: logger, nowFn: time.Now}
}

// Mount attaches the public API routes.
func (s *Server) Mount(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/escrows", s.handleCreate)
		r.Get("/escrows", s.handleList)
		r.Get("/escrows/{id}", s.handleGet)
		r.Post("/escrows/{id}/lock", s.handleLock)
		r.Post("/escrows/{id}/complete", s.handleComplete)
		r.Post("/escrows/{id}/refund", s.handleRefund)
		r.Get("/stats", s.handleStats)
	})
}

// MountAdmin attaches the JWT-guarded operator routes.
func (s *Server) MountAdmin(r chi.Router, admin *middleware.AdminAuth) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.Middleware)
		r.Get("/webhooks", s.handleAdminWebhooks)
		r.Post("/webhooks/{id}/replay", s.handleAdminReplay)
	})
}

type createEscrowRequest struct {
	Maker    string `json:"maker,omitempty"`
	Amount   string `json:"amount"`
	Asset    string `json:"asset"`
	HashLock string `json:"hashLock"`
	TimeLock int64  `json:"timeLock"`
}

type lockEscrowRequest struct {
	Resolver string `json:"resolver,omitempty"`
}

type completeEscrowRequest struct {
	Resolver string `json:"resolver,omitempty"`
	Secret   string `json:"secret"`
}

type refundEscrowRequest struct {
	Caller string `json:"caller,omitempty"`
}

type listEscrowsResponse struct {
	Escrows    []escrow.State `json:"escrows"`
	NextCursor string         `json:"nextCursor,omitempty"`
	More       bool           `json:"more"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}
	if s.replayIdempotent(w, r, principal, key, body) {
		return
	}

	var req createEscrowRequest
	if err := decodeBody(body, &req); err != nil {
		s.respond(w, r, principal, key, body, http.StatusBadRequest, errorPayload("invalid JSON body"))
		return
	}
	maker, err := bindCaller(req.Maker, principal)
	if err != nil {
		s.respond(w, r, principal, key, body, http.StatusForbidden, errorPayload(err.Error()))
		return
	}
	res, err := s.node.Create(r.Context(), escrow.CreateRequest{
		Caller:   principal.Address,
		Maker:    maker,
		Amount:   req.Amount,
		Asset:    req.Asset,
		HashLock: req.HashLock,
		TimeLock: req.TimeLock,
	})
	if err != nil {
		status, msg := mapNodeError(err)
		s.respond(w, r, principal, key, body, status, errorPayload(msg))
		return
	}
	s.respond(w, r, principal, key, body, http.StatusCreated, res)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(ctx context.Context, id string, principal *auth.Principal, body []byte) (*escrow.State, int, string) {
		var req lockEscrowRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, http.StatusBadRequest, "invalid JSON body"
		}
		resolver, err := bindCaller(req.Resolver, principal)
		if err != nil {
			return nil, http.StatusForbidden, err.Error()
		}
		state, err := s.node.Lock(ctx, id, resolver)
		if err != nil {
			status, msg := mapNodeError(err)
			return nil, status, msg
		}
		return state, http.StatusOK, ""
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(ctx context.Context, id string, principal *auth.Principal, body []byte) (*escrow.State, int, string) {
		var req completeEscrowRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, http.StatusBadRequest, "invalid JSON body"
		}
		if strings.TrimSpace(req.Secret) == "" {
			return nil, http.StatusBadRequest, "secret is required"
		}
		resolver, err := bindCaller(req.Resolver, principal)
		if err != nil {
			return nil, http.StatusForbidden, err.Error()
		}
		state, err := s.node.Complete(ctx, id, resolver, req.Secret)
		if err != nil {
			status, msg := mapNodeError(err)
			return nil, status, msg
		}
		return state, http.StatusOK, ""
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(ctx context.Context, id string, principal *auth.Principal, body []byte) (*escrow.State, int, string) {
		var req refundEscrowRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, http.StatusBadRequest, "invalid JSON body"
		}
		caller, err := bindCaller(req.Caller, principal)
		if err != nil {
			return nil, http.StatusForbidden, err.Error()
		}
		state, err := s.node.Refund(ctx, id, caller)
		if err != nil {
			status, msg := mapNodeError(err)
			return nil, status, msg
		}
		return state, http.StatusOK, ""
	})
}

// handleTransition shares the auth, idempotency, and response plumbing of the
// three lifecycle mutations. The Idempotency-Key header is optional here but
// honored when present.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string, principal *auth.Principal, body []byte) (*escrow.State, int, string)) {
	body, principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key != "" && s.replayIdempotent(w, r, principal, key, body) {
		return
	}
	id := chi.URLParam(r, "id")
	state, status, msg := apply(r.Context(), id, principal, body)
	if state == nil {
		s.respond(w, r, principal, key, body, status, errorPayload(msg))
		return
	}
	s.respond(w, r, principal, key, body, status, state)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	state, err := s.node.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status, msg := mapNodeError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	if maker := strings.TrimSpace(query.Get("maker")); maker != "" {
		states, err := s.node.ListByMaker(r.Context(), maker)
		if err != nil {
			status, msg := mapNodeError(err)
			writeError(w, status, msg)
			return
		}
		writeJSON(w, http.StatusOK, listEscrowsResponse{Escrows: states})
		return
	}
	result, err := s.node.List(r.Context(), query.Get("cursor"), limit)
	if err != nil {
		status, msg := mapNodeError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, listEscrowsResponse{Escrows: result.Escrows, NextCursor: result.NextCursor, More: result.More})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	stats, err := s.node.Stats(r.Context())
	if err != nil {
		status, msg := mapNodeError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.node.Stats(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "node": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminWebhooks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	deliveries, err := s.store.RecentDeliveries(r.Context(), limit)
	if err != nil {
		s.log.Error("list webhook deliveries", "error", err)
		writeError(w, http.StatusInternalServerError, "unable to list deliveries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": deliveries})
}

func (s *Server) handleAdminReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	delivery, err := s.store.GetDelivery(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrDeliveryNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		s.log.Error("load webhook delivery", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "unable to load delivery")
		return
	}
	if err := s.store.ResetDelivery(r.Context(), id, s.nowFn()); err != nil {
		s.log.Error("requeue webhook delivery", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "unable to requeue delivery")
		return
	}
	s.log.Info("webhook delivery requeued", "id", id, "destination", delivery.Destination)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "id": id})
}

// authenticate reads and verifies the signed request. On failure it writes
// the error response and reports ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) ([]byte, *auth.Principal, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, auth.MaxSignedBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return nil, nil, false
	}
	if len(body) > auth.MaxSignedBody {
		writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds signed size limit")
		return nil, nil, false
	}
	principal, err := s.auth.Authenticate(r, body)
	if err != nil {
		s.log.Warn("request authentication failed",
			"route", routePattern(r),
			logging.MaskField("api_key", r.Header.Get(auth.HeaderAPIKey)),
			"error", err)
		writeError(w, http.StatusUnauthorized, err.Error())
		return nil, nil, false
	}
	return body, principal, true
}

// replayIdempotent serves a previously stored response for the key, if any.
// A reused key with a different request hash is rejected outright.
func (s *Server) replayIdempotent(w http.ResponseWriter, r *http.Request, principal *auth.Principal, key string, body []byte) bool {
	stored, err := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash(r.Method, r.URL.Path, body))
	if errors.Is(err, ErrIdempotencyMismatch) {
		writeError(w, http.StatusConflict, "idempotency key already used with a different request")
		return true
	}
	if err != nil {
		s.log.Error("idempotency lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "idempotency lookup failed")
		return true
	}
	if stored == nil {
		return false
	}
	metrics.Gateway().ObserveIdempotentHit(routePattern(r))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
	return true
}

// respond writes the mutation response, caches it under the idempotency key
// (transient upstream failures are not cached), and records the audit entry.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, principal *auth.Principal, key string, reqBody []byte, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encode response", "error", err)
		status, payload = http.StatusInternalServerError, []byte(`{"error":"unable to encode response"}`)
	}
	if key != "" && status < http.StatusInternalServerError {
		if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash(r.Method, r.URL.Path, reqBody), status, payload, s.nowFn()); err != nil {
			s.log.Error("persist idempotent response", "error", err)
		}
	}
	entry := AuditEntry{
		APIKey:       principal.APIKey,
		Method:       r.Method,
		Path:         r.URL.Path,
		Status:       status,
		RequestBody:  reqBody,
		ResponseBody: payload,
		OccurredAt:   s.nowFn(),
	}
	if err := s.store.InsertAudit(r.Context(), entry); err != nil {
		s.log.Error("record audit entry", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// bindCaller resolves an optional body address against the address bound to
// the API key. An empty field defaults to the bound address; a disagreement
// is a hard rejection.
func bindCaller(field string, principal *auth.Principal) (string, error) {
	trimmed := strings.TrimSpace(field)
	if trimmed == "" {
		return principal.Address, nil
	}
	if trimmed != principal.Address {
		return "", errCallerMismatch
	}
	return principal.Address, nil
}

func mapNodeError(err error) (int, string) {
	var rpcErr *escrow.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case escrow.CodeInvalidParams:
			return http.StatusBadRequest, rpcErr.Message
		case escrow.CodeNotFound:
			return http.StatusNotFound, rpcErr.Message
		case escrow.CodeForbidden:
			return http.StatusForbidden, rpcErr.Message
		case escrow.CodeConflict:
			return http.StatusConflict, rpcErr.Message
		default:
			return http.StatusBadGateway, rpcErr.Message
		}
	}
	return http.StatusBadGateway, "escrow node unavailable"
}

func decodeBody(body []byte, v interface{}) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func errorPayload(msg string) map[string]string {
	return map[string]string{"error": msg}
}
