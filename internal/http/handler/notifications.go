package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loyalty/internal/notify"

	"github.com/go-chi/chi/v5"
)

type NotificationHandler struct {
	Svc *notify.Service
}

type enqueueReq struct {
	NotificationID string         `json:"notification_id"`
	RecipientIDs   []string       `json:"recipient_ids"`
	Payload        notify.Payload `json:"payload"`
	Priority       string         `json:"priority"`
	ScheduledFor   *string        `json:"scheduled_for"` // RFC3339, required on /schedule
	MaxAttempts    int            `json:"max_attempts"`
}

func (h *NotificationHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, false)
}

func (h *NotificationHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, true)
}

func (h *NotificationHandler) enqueue(w http.ResponseWriter, r *http.Request, requireSchedule bool) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Payload.Title = strings.TrimSpace(req.Payload.Title)
	if req.Payload.Title == "" {
		http.Error(w, "payload title required", http.StatusBadRequest)
		return
	}

	priority, err := notify.ParsePriority(strings.TrimSpace(req.Priority))
	if err != nil {
		http.Error(w, "invalid priority", http.StatusBadRequest)
		return
	}

	var scheduledFor time.Time
	if req.ScheduledFor != nil && strings.TrimSpace(*req.ScheduledFor) != "" {
		t, err := time.Parse(time.RFC3339, *req.ScheduledFor)
		if err != nil {
			http.Error(w, "invalid scheduled_for (RFC3339)", http.StatusBadRequest)
			return
		}
		scheduledFor = t
	} else if requireSchedule {
		http.Error(w, "scheduled_for required", http.StatusBadRequest)
		return
	}

	ids, err := h.Svc.Enqueue(r.Context(), req.NotificationID, req.RecipientIDs, req.Payload, notify.EnqueueOptions{
		Priority:     priority,
		ScheduledFor: scheduledFor,
		MaxAttempts:  req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, notify.ErrNoRecipients) {
			http.Error(w, "recipient_ids required", http.StatusBadRequest)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"job_ids": ids,
	})
}

func (h *NotificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	n, err := h.Svc.CancelNotification(r.Context(), id)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"cancelled": n,
	})
}

func (h *NotificationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.GetQueueStats(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (h *NotificationHandler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.Svc.GetQueueHealth(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func (h *NotificationHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.Svc.RetryAllFailed(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"retried": n,
	})
}

func (h *NotificationHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := strings.TrimSpace(r.URL.Query().Get("days")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid days", http.StatusBadRequest)
			return
		}
		days = n
	}

	n, err := h.Svc.CleanupOld(r.Context(), days)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"deleted": n,
	})
}
