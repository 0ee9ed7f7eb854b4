package idpsync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/platform/errs"
)

// MaxBodyBytes caps the size of one webhook delivery.
const MaxBodyBytes = 1 << 20

type webhookResponse struct {
	Applied bool   `json:"applied"`
	Action  string `json:"action"`
	Error   string `json:"error,omitempty"`
}

// WebhookHandler receives deliveries over HTTP. Applied, skipped and not handled events answer 200;
// rejected deliveries answer 401; exhausted retries and deadlines answer 503 so the sender redelivers.
type WebhookHandler struct {
	sync *Synchronizer
	log  *zap.Logger
}

// NewWebhookHandler returns a handler over sync. log may be nil.
func NewWebhookHandler(sync *Synchronizer, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{sync: sync, log: logger.OrNop(log)}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Error: "method_not_allowed"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "payload_too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "unreadable_body"})
		return
	}

	res, err := h.sync.Receive(r.Context(), r.Header, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Applied: res.Applied, Action: res.Action})
	case errors.Is(err, errs.ErrSyncRejected):
		writeJSON(w, http.StatusUnauthorized, webhookResponse{Action: res.Action, Error: errs.Code(err)})
	default:
		h.log.Warn("webhook: delivery not applied", zap.Error(err))
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Action: res.Action, Error: "unavailable"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
