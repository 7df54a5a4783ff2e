package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mpieniak01/venom/internal/events"
)

// handleEvents 以 SSE 推送事件匯流排上的事件；?topic= 只訂閱單一主題
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming not supported"})
		return
	}

	var sub <-chan events.Event
	if topic := r.URL.Query().Get("topic"); topic != "" {
		sub = s.bus.Subscribe(topic, 64)
	} else {
		sub = s.bus.SubscribeAll(64)
	}
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub:
			if !ok {
				// 匯流排已關閉
				return
			}
			if err := writeSSEEvent(w, ev.EventType(), ev); err != nil {
				log.Debug("SSE client gone", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}
