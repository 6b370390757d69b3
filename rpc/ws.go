package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowd/core/types"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// handleEventsWS streams escrow events over a websocket. The optional "after"
// query parameter resumes the stream past an already consumed sequence
// number.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	var after uint64
	if cursor := strings.TrimSpace(r.URL.Query().Get("after")); cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			http.Error(w, "invalid after cursor", http.StatusBadRequest)
			return
		}
		after = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after uint64) error {
	updates, cancel, backlog, err := s.node.EventsSubscribe(ctx, after)
	if err != nil {
		return err
	}
	defer cancel()

	// The live channel may repeat the tail of the backlog; the cursor keeps
	// the client stream strictly ascending.
	delivered := after
	for _, evt := range backlog {
		if evt.Sequence <= delivered {
			continue
		}
		if err := writeEscrowEvent(ctx, conn, evt); err != nil {
			return err
		}
		delivered = evt.Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if evt.Sequence <= delivered {
				continue
			}
			if err := writeEscrowEvent(ctx, conn, evt); err != nil {
				return err
			}
			delivered = evt.Sequence
		}
	}
}

func writeEscrowEvent(ctx context.Context, conn *websocket.Conn, evt types.Event) error {
	data, err := json.Marshal(escrowEventJSONFrom(evt))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
