package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/pushgate/internal/api/respond"
)

// MonitorRequests returns the request queue depth.
// @Summary Request queue depth
// @Description Approximate number of batches waiting for a request worker, as a plain integer.
// @Tags monitor
// @Produce plain
// @Success 200 {string} string "42"
// @Router /monitor/requests [get]
func (h *Handler) MonitorRequests(w http.ResponseWriter, r *http.Request) {
	respond.WriteInt(w, h.queue.QueueSize())
}

// MonitorSender returns the queue depth of one sender.
// @Summary Sender queue depth
// @Description Approximate number of notifications waiting for the named sender, as a plain integer.
// @Tags monitor
// @Produce plain
// @Param name path string true "Sender name" Enums(apns, fcm, gcm, sns)
// @Success 200 {string} string "42"
// @Failure 404 {object} respond.ErrorResponse
// @Router /monitor/senders/{name} [get]
func (h *Handler) MonitorSender(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, ok := h.senders.QueueSize(name)
	if !ok {
		respond.WriteError(w, http.StatusNotFound, "UNKNOWN_SENDER", "No sender named "+name)
		return
	}
	respond.WriteInt(w, n)
}

// MonitorQueues returns every queue depth at once.
// @Summary All queue depths
// @Tags monitor
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /monitor [get]
func (h *Handler) MonitorQueues(w http.ResponseWriter, r *http.Request) {
	senders := make(map[string]int)
	for _, name := range h.senders.Senders() {
		n, _ := h.senders.QueueSize(name)
		senders[name] = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": h.queue.QueueSize(),
		"senders":  senders,
	})
}
