package escrowd

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"quorumescrow/core/events"
	"quorumescrow/crypto"
	"quorumescrow/native/escrow"
)

const (
	wsWriteTimeout     = 10 * time.Second
	wsSubscriberBuffer = 128
)

// handleStream upgrades to a websocket and forwards the notifications of one
// instance. A cursor query parameter replays journaled notifications with a
// greater sequence before live delivery starts; notifications at or below the
// cursor are never forwarded.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	if s.broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, errStreamUnavailable)
		return
	}
	cursor, hasCursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamInstance(ctx, conn, id, cursor, hasCursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamInstance(ctx context.Context, conn *websocket.Conn, id [32]byte, cursor uint64, hasCursor bool) error {
	updates, cancel := s.broadcaster.Subscribe(wsSubscriberBuffer, func(evt events.Event) bool {
		n, ok := evt.(escrow.Notification)
		return ok && n.EscrowID == id
	})
	defer cancel()

	// Broadcast sinks run before subscriber fan-out, so anything emitted before
	// Subscribe returned has reached the journal queue. Flushing it makes
	// those entries visible to List; later ones arrive live.
	last := cursor
	if hasCursor && s.journal != nil {
		if err := s.journal.Flush(ctx); err != nil {
			return err
		}
		entries, err := s.journal.List(ctx, crypto.FormatID(id))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Sequence <= cursor {
				continue
			}
			if err := writeStreamEvent(ctx, conn, eventViewFromEntry(entry)); err != nil {
				return err
			}
			last = entry.Sequence
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			n, ok := evt.(escrow.Notification)
			if !ok || n.Event() == nil {
				continue
			}
			if hasCursor && n.Event().Sequence <= last {
				continue
			}
			if err := writeStreamEvent(ctx, conn, eventViewFromNotification(n)); err != nil {
				return err
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, view EventView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseCursor(raw string) (uint64, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	cursor, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, errInvalidCursor
	}
	return cursor, true, nil
}
