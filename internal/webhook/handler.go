package webhook

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dkruthoff/membership-billing/internal/ledger"
	"github.com/dkruthoff/membership-billing/internal/processor"
	"github.com/dkruthoff/membership-billing/internal/storage"
	"github.com/dkruthoff/membership-billing/internal/transport"
)

// maxBodyBytes caps the webhook body; the processor never sends payloads
// anywhere near this size.
const maxBodyBytes = 1 << 20

// Handler is the single inbound webhook endpoint. Signature verification
// happens before the ledger is touched; the ledger, the dispatcher and the
// processed stamp share one database transaction so a mid-handler failure
// leaves the event unprocessed for redelivery.
type Handler struct {
	*transport.BaseHandler
	store      storage.Store
	ledger     *ledger.Service
	dispatcher *Dispatcher
	secret     string
	maxSkew    time.Duration
	logger     *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, store storage.Store, ledgerService *ledger.Service, dispatcher *Dispatcher, secret string, maxSkew time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		store:       store,
		ledger:      ledgerService,
		dispatcher:  dispatcher,
		secret:      secret,
		maxSkew:     maxSkew,
		logger:      logger,
	}
}

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// HandleWebhook godoc
// @Summary Receive a payment processor notification
// @Tags webhooks
// @Accept json
// @Produce json
// @Param Signature header string true "t=<unix>,v1=<hex hmac> over the raw body"
// @Success 200 {object} webhookResponse
// @Failure 400 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /webhooks/processor [post]
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := processor.VerifyWebhookSignature(body, r.Header.Get("Signature"), h.secret, h.maxSkew, time.Now()); err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		h.logger.Warn("webhook envelope rejected", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	h.logger.Info("webhook received", "event_id", env.ID, "event_type", env.Type)

	duplicate := false
	err = h.store.Transaction(r.Context(), func(repos storage.Repos) error {
		entry, proceed, err := h.ledger.Admit(r.Context(), repos.Events, env.ID, env.Type, env.Raw())
		if err != nil {
			return err
		}
		if !proceed {
			duplicate = true
			return nil
		}
		if err := h.dispatcher.Dispatch(r.Context(), repos, env); err != nil {
			return err
		}
		return h.ledger.MarkProcessed(r.Context(), repos.Events, entry)
	})
	if err != nil {
		if processor.IsUnavailable(err) {
			h.logger.Error("processor unreachable during webhook handling",
				"event_id", env.ID, "event_type", env.Type, "error", err)
			h.WriteError(w, http.StatusBadGateway, "payment processor unreachable")
			return
		}
		h.logger.Error("webhook handling failed",
			"event_id", env.ID, "event_type", env.Type, "error", err)
		h.WriteError(w, http.StatusInternalServerError, "failed to process event")
		return
	}

	h.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: duplicate})
}
