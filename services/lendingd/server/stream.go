package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"

	"vaultlend/services/lendingd/eventlog"
)

const streamWriteTimeout = 10 * time.Second

// handleEventStream upgrades to a websocket and pushes events matching the
// type, market and account query filters. With from_height set and the event
// log enabled, archived events at or above that height are replayed first,
// oldest first.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stream == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	q := r.URL.Query()
	filter := eventlog.Filter{
		Type:    q.Get("type"),
		Market:  q.Get("market"),
		Account: q.Get("account"),
	}
	var fromHeight uint64
	if raw := q.Get("from_height"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from_height")
			return
		}
		fromHeight = parsed
	}

	// Subscribe before reading the archive so nothing committed in between
	// is missed.
	updates, cancel := s.opts.Stream.Subscribe(filter)
	defer cancel()

	var backlog []eventlog.Message
	if fromHeight > 0 && s.opts.Events != nil {
		archived := filter
		archived.FromHeight = fromHeight
		records, err := s.opts.Events.Query(r.Context(), archived)
		if err != nil {
			s.logger.Error("query event backlog", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		for i := len(records) - 1; i >= 0; i-- {
			backlog = append(backlog, eventlog.MessageFromRecord(records[i]))
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	var cursor uint64
	for _, msg := range backlog {
		if err := writeStreamMessage(ctx, conn, msg); err != nil {
			s.closeStream(conn, err)
			return
		}
		cursor = msg.Height
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return
			}
			if msg.Height < cursor {
				continue
			}
			if err := writeStreamMessage(ctx, conn, msg); err != nil {
				s.closeStream(conn, err)
				return
			}
		}
	}
}

func writeStreamMessage(ctx context.Context, conn *websocket.Conn, msg eventlog.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) closeStream(conn *websocket.Conn, err error) {
	if websocket.CloseStatus(err) == -1 {
		s.logger.Debug("event stream write failed", slog.Any("error", err))
		conn.Close(websocket.StatusInternalError, "stream error")
	}
}
