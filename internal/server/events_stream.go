package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/sodme/engine/internal/errs"
	"github.com/sodme/engine/internal/events"
)

// writeTimeout bounds how long a single WebSocket frame write may block
// before the connection is considered stalled and dropped.
const writeTimeout = 5 * time.Second

// liveChannel upgrades to a WebSocket and streams Alert/Event Bus events
// (spec §6 "Live channel") filtered by an optional ?types= query parameter,
// a comma-separated list of event type names.
func (h *handler) liveChannel(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeError(w, errs.New(errs.KindConfiguration, "event bus not configured", nil))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.deps.CORSOrigins,
	})
	if err != nil {
		h.deps.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	sub := h.deps.Bus.Subscribe(parseTypesFilter(r.URL.Query().Get("types")))
	defer sub.Close()

	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case ev, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "subscription closed")
				return
			}
			if err := h.writeEvent(ctx, conn, ev); err != nil {
				h.deps.Log.Debug().Err(err).Msg("websocket write failed, dropping subscriber")
				return
			}
		}
	}
}

func (h *handler) writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func parseTypesFilter(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	types := make([]events.EventType, 0, len(parts))
	for _, p := range parts {
		t := events.EventType(strings.TrimSpace(p))
		if events.IsKnownEventType(t) {
			types = append(types, t)
		}
	}
	return types
}
