package server

import (
	"errors"
	"io"
	"net/http"

	"signal_router/internal/core"
	"signal_router/internal/queue"
	apperrors "signal_router/pkg/errors"
)

// handleWebhook validates the alert and enqueues it. Processing happens on the queue worker.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ev, err := queue.Decode(raw)
	if err != nil {
		s.logger.Warn("Rejected webhook", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.deps.Queue.Enqueue(r.Context(), ev)
	if err != nil {
		s.logger.Error("Failed to enqueue signal", "signal_id", ev.ID(), "error", err)
		if s.deps.Notifier != nil {
			s.deps.Notifier.Notify(r.Context(), core.Notification{
				Severity: core.SeverityError,
				Title:    "Internal error: signal not queued",
				Message:  err.Error(),
				Fields:   map[string]string{"signal_id": ev.ID(), "kind": string(ev.Kind())},
			})
		}
		msg := "failed to queue signal"
		if errors.Is(err, apperrors.ErrQueueFull) {
			msg = "queue is full"
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": msg})
		return
	}

	s.logger.Info("Signal accepted", "signal_id", ev.ID(), "kind", ev.Kind(), "job_id", jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "jobId": jobID})
}
