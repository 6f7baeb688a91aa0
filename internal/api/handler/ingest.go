package handler

import (
	"errors"
	"net/http"

	"github.com/albapepper/pushgate/internal/api/respond"
	"github.com/albapepper/pushgate/internal/request"
)

var writeJSON = respond.WriteJSONObject

// PostEvents queues a batch of client events.
// @Summary Submit events
// @Description Queues client events for processing. Events without a registered handler and items missing user_id, event_id or timestamp are dropped. Pair values may be strings, numbers or booleans.
// @Tags ingest
// @Accept json
// @Produce json
// @Param body body object true "{\"events\":[{\"user_id\":1,\"event_id\":10,\"timestamp\":1700000000000,\"pairs\":{\"level\":5}}]}"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 503 {object} respond.ErrorResponse
// @Router /events [post]
func (h *Handler) PostEvents(w http.ResponseWriter, r *http.Request) {
	batch, err := request.DecodeEvents(http.MaxBytesReader(w, r.Body, h.maxBody), h.queue.HasEvent, h.logger)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if batch.Len() == 0 {
		respond.WriteOK(w)
		return
	}
	h.enqueue(w, batch)
}

// PostNotifications queues a batch of direct notifications.
// @Summary Submit notifications
// @Description Queues ad hoc notifications, each sent to every active device of its login. Cooldowns do not apply.
// @Tags ingest
// @Accept json
// @Produce json
// @Param body body object true "{\"notifications\":[{\"login_id\":1,\"title\":\"Hi\",\"content\":\"Welcome back\",\"screen\":\"home\"}]}"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 503 {object} respond.ErrorResponse
// @Router /notifications [post]
func (h *Handler) PostNotifications(w http.ResponseWriter, r *http.Request) {
	batch, err := request.DecodeNotifications(http.MaxBytesReader(w, r.Body, h.maxBody), h.logger)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	h.enqueue(w, batch)
}

func (h *Handler) enqueue(w http.ResponseWriter, b request.Batch) {
	if !h.queue.Submit(b) {
		respond.WriteError(w, http.StatusServiceUnavailable, "QUEUE_FULL", "Request queue is full, retry later")
		return
	}
	respond.WriteOK(w)
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	code := "MALFORMED_BODY"
	if errors.Is(err, request.ErrEmptyBatch) {
		code = "EMPTY_BATCH"
	}
	h.logger.Warn("Rejected request body", "code", code, "error", err)
	respond.WriteErrorDetail(w, http.StatusBadRequest, code, "Request body rejected", err.Error())
}
