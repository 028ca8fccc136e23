package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	internal "github.com/dkruthoff/membership-billing/internal"
	transactionmodel "github.com/dkruthoff/membership-billing/internal/core/datamodel/transaction"
	"github.com/dkruthoff/membership-billing/internal/reconcile"
	"github.com/dkruthoff/membership-billing/internal/storage"
	"github.com/dkruthoff/membership-billing/internal/subscription"
	"github.com/dkruthoff/membership-billing/internal/transport"
	"github.com/go-chi/chi"
	"gorm.io/gorm"
)

// OpsHandler is the operator-facing surface: transaction lookup by processor
// identifier, checkout starts, and ad-hoc reconciliation triggers. It is a
// thin wrapper over the same services the webhook path uses.
type OpsHandler struct {
	*transport.BaseHandler
	store       storage.Store
	subs        *subscription.Service
	incomplete  *reconcile.IncompleteSweeper
	txSweep     *reconcile.TransactionSweeper
	acctSweep   *reconcile.AccountSweeper
	memberSweep *reconcile.MemberSubscriptionSweeper
	logger      *slog.Logger
}

func NewOpsHandler(
	baseHandler *transport.BaseHandler,
	store storage.Store,
	subs *subscription.Service,
	incomplete *reconcile.IncompleteSweeper,
	txSweep *reconcile.TransactionSweeper,
	acctSweep *reconcile.AccountSweeper,
	memberSweep *reconcile.MemberSubscriptionSweeper,
	logger *slog.Logger,
) *OpsHandler {
	return &OpsHandler{
		BaseHandler: baseHandler,
		store:       store,
		subs:        subs,
		incomplete:  incomplete,
		txSweep:     txSweep,
		acctSweep:   acctSweep,
		memberSweep: memberSweep,
		logger:      logger,
	}
}

type transactionResponse struct {
	ID                int64      `json:"id"`
	OrganisationID    int64      `json:"organisation_id"`
	MemberID          *int64     `json:"member_id,omitempty"`
	Kind              string     `json:"kind"`
	AmountCents       int64      `json:"amount_cents"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	PaymentIntentID   *string    `json:"payment_intent_id,omitempty"`
	CheckoutSessionID *string    `json:"checkout_session_id,omitempty"`
	OccurredAt        *time.Time `json:"occurred_at,omitempty"`
}

func toTransactionResponse(t *transactionmodel.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                t.ID,
		OrganisationID:    t.OrganisationID,
		MemberID:          t.MemberID,
		Kind:              t.Kind,
		AmountCents:       t.AmountCents,
		Currency:          t.Currency,
		Status:            t.Status,
		PaymentIntentID:   t.PaymentIntentID,
		CheckoutSessionID: t.CheckoutSessionID,
	}
	if !t.OccurredAt.IsZero() {
		occurred := t.OccurredAt
		resp.OccurredAt = &occurred
	}
	return resp
}

// LookupTransaction resolves a transaction by payment intent or checkout
// session id.
func (h *OpsHandler) LookupTransaction(w http.ResponseWriter, r *http.Request) {
	intentID := r.URL.Query().Get("payment_intent_id")
	sessionID := r.URL.Query().Get("checkout_session_id")
	if intentID == "" && sessionID == "" {
		h.WriteError(w, http.StatusBadRequest, "payment_intent_id or checkout_session_id is required")
		return
	}

	var txn *transactionmodel.Transaction
	err := h.store.View(r.Context(), func(repos storage.Repos) error {
		var err error
		if intentID != "" {
			txn, err = repos.Transactions.GetByIntentIDForUpdate(r.Context(), intentID)
		} else {
			txn, err = repos.Transactions.GetBySessionIDForUpdate(r.Context(), sessionID)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.WriteAppError(w, internal.ErrTransactionNotFound)
			return
		}
		h.logger.Error("transaction lookup failed", "error", err)
		h.WriteError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	h.WriteJSON(w, http.StatusOK, toTransactionResponse(txn))
}

type organisationCheckoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// StartOrganisationCheckout opens a checkout session for an organisation's
// platform subscription.
func (h *OpsHandler) StartOrganisationCheckout(w http.ResponseWriter, r *http.Request) {
	organisationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid organisation id")
		return
	}

	var req organisationCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var result *subscription.CheckoutResult
	err = h.store.Transaction(r.Context(), func(repos storage.Repos) error {
		var err error
		result, err = h.subs.StartOrganisationCheckout(r.Context(), repos.OrgSubs, repos.Owners, subscription.OrganisationCheckoutParams{
			OrganisationID: organisationID,
			PriceID:        req.PriceID,
			SuccessURL:     req.SuccessURL,
			CancelURL:      req.CancelURL,
		})
		return err
	})
	if err != nil {
		h.WriteAppError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, result)
}

type memberAutopayRequest struct {
	AmountCents        int64  `json:"amount_cents"`
	Currency           string `json:"currency"`
	SuccessURL         string `json:"success_url"`
	CancelURL          string `json:"cancel_url"`
	ProcessorAccountID string `json:"processor_account_id"`
}

// StartMemberAutopay opens a checkout session for a member's recurring
// contribution debit.
func (h *OpsHandler) StartMemberAutopay(w http.ResponseWriter, r *http.Request) {
	memberID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid member id")
		return
	}

	var req memberAutopayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var result *subscription.CheckoutResult
	err = h.store.Transaction(r.Context(), func(repos storage.Repos) error {
		var err error
		result, err = h.subs.StartMemberAutopay(r.Context(), repos.MemberSubs, repos.Owners, subscription.MemberAutopayParams{
			MemberID:           memberID,
			AmountCents:        req.AmountCents,
			Currency:           req.Currency,
			SuccessURL:         req.SuccessURL,
			CancelURL:          req.CancelURL,
			ProcessorAccountID: req.ProcessorAccountID,
		})
		return err
	})
	if err != nil {
		h.WriteAppError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, result)
}

// SyncIncomplete triggers the incomplete-subscription sweep, optionally for
// one owner.
func (h *OpsHandler) SyncIncomplete(w http.ResponseWriter, r *http.Request) {
	var summary *reconcile.Summary
	var err error

	switch {
	case r.URL.Query().Get("organisation_id") != "":
		id, parseErr := strconv.ParseInt(r.URL.Query().Get("organisation_id"), 10, 64)
		if parseErr != nil {
			h.WriteError(w, http.StatusBadRequest, "invalid organisation_id")
			return
		}
		summary, err = h.incomplete.RunOrganisation(r.Context(), id)
	case r.URL.Query().Get("member_id") != "":
		id, parseErr := strconv.ParseInt(r.URL.Query().Get("member_id"), 10, 64)
		if parseErr != nil {
			h.WriteError(w, http.StatusBadRequest, "invalid member_id")
			return
		}
		summary, err = h.incomplete.RunMember(r.Context(), id)
	default:
		summary, err = h.incomplete.Run(r.Context())
	}
	if err != nil {
		h.logger.Error("incomplete sweep trigger failed", "error", err)
		h.WriteError(w, http.StatusInternalServerError, "sweep failed")
		return
	}

	h.WriteJSON(w, http.StatusOK, summary)
}

// SyncTransactions triggers the transaction sweep; ?recent=true widens it to
// the fallback window.
func (h *OpsHandler) SyncTransactions(w http.ResponseWriter, r *http.Request) {
	includeRecent := r.URL.Query().Get("recent") == "true"
	summary, err := h.txSweep.Run(r.Context(), includeRecent)
	if err != nil {
		h.logger.Error("transaction sweep trigger failed", "error", err)
		h.WriteError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	h.WriteJSON(w, http.StatusOK, summary)
}

// SyncPayment reconciles a single payment by processor identifier.
func (h *OpsHandler) SyncPayment(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	if identifier == "" {
		h.WriteError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	summary, err := h.txSweep.SyncPayment(r.Context(), identifier)
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, summary)
}

// SyncAccounts triggers the connected-account payment sweep.
func (h *OpsHandler) SyncAccounts(w http.ResponseWriter, r *http.Request) {
	summary, err := h.acctSweep.Run(r.Context())
	if err != nil {
		h.logger.Error("account sweep trigger failed", "error", err)
		h.WriteError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	h.WriteJSON(w, http.StatusOK, summary)
}

// SyncMemberSubscriptions triggers the member subscription sweep, optionally
// for one member.
func (h *OpsHandler) SyncMemberSubscriptions(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("member_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.WriteError(w, http.StatusBadRequest, "invalid member_id")
			return
		}
		summary, err := h.memberSweep.RunOne(r.Context(), id)
		if err != nil {
			h.WriteAppError(w, err)
			return
		}
		h.WriteJSON(w, http.StatusOK, summary)
		return
	}

	summary, err := h.memberSweep.RunAll(r.Context())
	if err != nil {
		h.logger.Error("member subscription sweep trigger failed", "error", err)
		h.WriteError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	h.WriteJSON(w, http.StatusOK, summary)
}
