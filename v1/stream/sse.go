package stream

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mirkobrombin/go-taskwarp/v1/broadcast"
	"github.com/mirkobrombin/go-taskwarp/v1/session"
)

// SSEHandler streams hub events over Server-Sent Events to authenticated
// clients. The stream is read-only; lock requests go through WebSocket.
func SSEHandler(sessions session.Store, hub *broadcast.Hub, opts ...Option) http.HandlerFunc {
	o := buildOptions(opts)
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		_, sess, ok := authenticate(w, r, sessions, o.logger)
		if !ok {
			return
		}
		client, err := hub.Register(sess.Identity())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer hub.Unregister(client)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(o.pingInterval)
		defer ticker.Stop()
		ctx := r.Context()
		for {
			select {
			case frame := <-client.Send():
				if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case <-client.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
