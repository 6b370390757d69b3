package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"escrowd/core/types"
	"escrowd/crypto"
	"escrowd/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type escrowCreateParams struct {
	Caller   string `json:"caller,omitempty"`
	Maker    string `json:"maker"`
	Amount   string `json:"amount"`
	Asset    string `json:"asset"`
	HashLock string `json:"hashLock"`
	TimeLock int64  `json:"timeLock"`
}

type escrowLockParams struct {
	Caller   string `json:"caller,omitempty"`
	ID       string `json:"id"`
	Resolver string `json:"resolver"`
}

type escrowCompleteParams struct {
	Caller   string `json:"caller,omitempty"`
	ID       string `json:"id"`
	Secret   string `json:"secret"`
	Resolver string `json:"resolver"`
}

type escrowRefundParams struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowMakerParams struct {
	Maker string `json:"maker"`
}

type escrowListParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type escrowEventsParams struct {
	AfterSequence uint64 `json:"afterSequence,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type escrowCreateResult struct {
	ID string `json:"id"`
}

type escrowJSON struct {
	ID        string  `json:"id"`
	Maker     string  `json:"maker"`
	Amount    string  `json:"amount"`
	Asset     string  `json:"asset"`
	HashLock  string  `json:"hashLock"`
	TimeLock  int64   `json:"timeLock"`
	Status    string  `json:"status"`
	Secret    *string `json:"secret,omitempty"`
	CreatedAt int64   `json:"createdAt"`
}

type escrowListResult struct {
	Escrows    []escrowJSON `json:"escrows"`
	NextCursor string       `json:"nextCursor,omitempty"`
	More       bool         `json:"more"`
}

type escrowStatsResult struct {
	Counter   uint64 `json:"counter"`
	Pending   uint64 `json:"pending"`
	Locked    uint64 `json:"locked"`
	Completed uint64 `json:"completed"`
	Refunded  uint64 `json:"refunded"`
}

type escrowEventJSON struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type escrowEventsResult struct {
	Events         []escrowEventJSON `json:"events"`
	LatestSequence uint64            `json:"latestSequence"`
}

func (s *Server) handleEscrowInitialize(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	if err := s.node.EscrowInitialize(); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowCreateParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	maker, err := parseBech32Address(params.Maker)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller := maker
	if strings.TrimSpace(params.Caller) != "" {
		caller, err = parseBech32Address(params.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	asset, err := escrow.NormalizeAsset(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	hashLock, err := parseHash32(params.HashLock, "hashLock")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := s.node.EscrowCreate(caller, maker, amount, asset, hashLock, params.TimeLock)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowCreateResult{ID: formatEscrowID(id)})
}

func (s *Server) handleEscrowLock(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowLockParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseHash32(params.ID, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	resolver, err := parseBech32Address(params.Resolver)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller := resolver
	if strings.TrimSpace(params.Caller) != "" {
		caller, err = parseBech32Address(params.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if err := s.node.EscrowLock(caller, id, resolver); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeEscrowRecord(w, req.ID, id)
}

func (s *Server) handleEscrowComplete(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowCompleteParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseHash32(params.ID, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	resolver, err := parseBech32Address(params.Resolver)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller := resolver
	if strings.TrimSpace(params.Caller) != "" {
		caller, err = parseBech32Address(params.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	secret, err := parseSecretHex(params.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.EscrowComplete(caller, id, secret, resolver); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeEscrowRecord(w, req.ID, id)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowRefundParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseHash32(params.ID, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.EscrowRefund(caller, id); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeEscrowRecord(w, req.ID, id)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseHash32(params.ID, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	s.writeEscrowRecord(w, req.ID, id)
}

func (s *Server) handleEscrowListByMaker(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowMakerParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	maker, err := parseBech32Address(params.Maker)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	escrows, err := s.node.EscrowListByMaker(maker)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	out := make([]escrowJSON, 0, len(escrows))
	for _, esc := range escrows {
		out = append(out, formatEscrowJSON(esc))
	}
	writeResult(w, req.ID, escrowListResult{Escrows: out})
}

func (s *Server) handleEscrowList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	params := escrowListParams{}
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	var cursor [32]byte
	if strings.TrimSpace(params.Cursor) != "" {
		parsed, err := parseHash32(params.Cursor, "cursor")
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
		cursor = parsed
	}
	escrows, next, more, err := s.node.EscrowList(cursor, params.Limit)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	out := make([]escrowJSON, 0, len(escrows))
	for _, esc := range escrows {
		out = append(out, formatEscrowJSON(esc))
	}
	result := escrowListResult{Escrows: out, More: more}
	if more {
		result.NextCursor = formatEscrowID(next)
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleEscrowStats(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	stats, err := s.node.EscrowStats()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowStatsResult{
		Counter:   stats.Counter,
		Pending:   stats.Pending,
		Locked:    stats.Locked,
		Completed: stats.Completed,
		Refunded:  stats.Refunded,
	})
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	params := escrowEventsParams{}
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	events, err := s.node.EscrowEvents(params.AfterSequence, params.Limit)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	latest, err := s.node.EscrowEventSequence()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	out := make([]escrowEventJSON, 0, len(events))
	for _, evt := range events {
		out = append(out, escrowEventJSONFrom(evt))
	}
	writeResult(w, req.ID, escrowEventsResult{Events: out, LatestSequence: latest})
}

// writeEscrowRecord loads the record and writes it as the call result.
func (s *Server) writeEscrowRecord(w http.ResponseWriter, reqID interface{}, id [32]byte) {
	esc, ok, err := s.node.EscrowGet(id)
	if err != nil {
		writeEscrowError(w, reqID, err)
		return
	}
	if !ok {
		writeEscrowError(w, reqID, escrow.ErrEscrowNotFound)
		return
	}
	writeResult(w, reqID, formatEscrowJSON(esc))
}

func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	return [20]byte(decoded), nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseHash32(value, field string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("%s required", field)
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("%s must be 32 bytes", field)
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

// parseSecretHex decodes the hash-lock preimage. An empty string is a valid
// empty preimage.
func parseSecretHex(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if cleaned == "" {
		return []byte{}, nil
	}
	if len(cleaned)%2 != 0 {
		return nil, fmt.Errorf("secret hex length must be even")
	}
	return hex.DecodeString(cleaned)
}

func formatEscrowID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func formatAccountAddress(b [20]byte) string {
	return crypto.Address(b).String()
}

func formatEscrowJSON(esc *escrow.Escrow) escrowJSON {
	amount := "0"
	if esc.Amount != nil {
		amount = esc.Amount.String()
	}
	var secretPtr *string
	if esc.Secret != nil {
		secret := "0x" + hex.EncodeToString(esc.Secret)
		secretPtr = &secret
	}
	return escrowJSON{
		ID:        formatEscrowID(esc.ID),
		Maker:     formatAccountAddress(esc.Maker),
		Amount:    amount,
		Asset:     esc.Asset,
		HashLock:  "0x" + hex.EncodeToString(esc.HashLock[:]),
		TimeLock:  esc.TimeLock,
		Status:    esc.Status.String(),
		Secret:    secretPtr,
		CreatedAt: esc.CreatedAt,
	}
}

func escrowEventJSONFrom(evt types.Event) escrowEventJSON {
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	return escrowEventJSON{Sequence: evt.Sequence, Type: evt.Type, Attributes: attrs}
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	case errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrEscrowExists),
		errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrInvalidSecret),
		errors.Is(err, escrow.ErrTimelockExpired),
		errors.Is(err, escrow.ErrTimelockNotExpired):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	}
	writeError(w, status, id, code, message, err.Error())
}
