package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"aselect/internal/platform/middleware"
)

// StoreStats exposes the operational counters of a store. The memory backends
// implement it; Redis deployments report -1 and rely on Redis tooling instead.
type StoreStats interface {
	Count() int
	Sweep() int
}

// AdminHandler serves the operator surface behind bearer auth.
type AdminHandler struct {
	tickets  StoreStats
	sessions StoreStats
	logger   *slog.Logger
}

// NewAdminHandler wires the admin surface. Either stats source may be nil.
func NewAdminHandler(tickets, sessions StoreStats, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{tickets: tickets, sessions: sessions, logger: logger}
}

// Stats reports live ticket and session counts.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]int{
		"tickets":  countOf(h.tickets),
		"sessions": countOf(h.sessions),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Sweep forces an immediate expiry pass and reports what it removed.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	resp := map[string]int{
		"tickets_removed":  sweepOf(h.tickets),
		"sessions_removed": sweepOf(h.sessions),
	}
	h.logger.InfoContext(r.Context(), "forced sweep",
		"request_id", middleware.GetRequestID(r.Context()),
		"admin", middleware.GetAdminSubject(r.Context()),
		"tickets_removed", resp["tickets_removed"],
		"sessions_removed", resp["sessions_removed"],
	)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func countOf(s StoreStats) int {
	if s == nil {
		return -1
	}
	return s.Count()
}

func sweepOf(s StoreStats) int {
	if s == nil {
		return 0
	}
	return s.Sweep()
}
