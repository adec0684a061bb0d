package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// OwnerEventsHandler serves GET /v1/events: the owner-level stream carrying
// credits_updated events, which are not keyed by job.
func (s *Server) OwnerEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := ownerFromRequest(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("streaming unsupported: %w", domain.ErrInternal), nil)
			return
		}

		sub := s.Hub.SubscribeOwner(owner.ID)
		defer s.Hub.Unsubscribe(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case e, open := <-sub.C:
				if !open {
					return
				}
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
				flusher.Flush()
			}
		}
	}
}

// EventsHandler serves GET /v1/renders/{id}/events as a server-sent event
// stream. The subscription is registered after an ownership check; a client
// that reconnects simply re-subscribes.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := ownerFromRequest(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobID := chi.URLParam(r, "id")
		if err := s.Status.Authorize(r.Context(), owner.ID, jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("streaming unsupported: %w", domain.ErrInternal), nil)
			return
		}

		sub := s.Hub.Subscribe(jobID)
		defer s.Hub.Unsubscribe(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case e, open := <-sub.C:
				if !open {
					return
				}
				payload, err := json.Marshal(e)
				if err != nil {
					LoggerFrom(r).Warn("event marshal failed", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
				flusher.Flush()
				// Terminal events end the stream; the status endpoint is the
				// source of truth afterwards.
				if e.Type == domain.EventCompleted || e.Type == domain.EventFailed || e.Type == domain.EventCancelled {
					return
				}
			}
		}
	}
}
