package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dkruthoff/membership-billing/internal/account"
	"github.com/dkruthoff/membership-billing/internal/core/events"
	"github.com/dkruthoff/membership-billing/internal/ledger"
	"github.com/dkruthoff/membership-billing/internal/processor"
	"github.com/dkruthoff/membership-billing/internal/storage"
	storagepg "github.com/dkruthoff/membership-billing/internal/storage/postgres"
	"github.com/dkruthoff/membership-billing/internal/subscription"
	"github.com/dkruthoff/membership-billing/internal/transaction"
	"github.com/dkruthoff/membership-billing/internal/transport"
	"github.com/dkruthoff/membership-billing/internal/webhook"
)

func TestWebhookHandler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Webhook Handler Suite")
}

const testSecret = "whsec_test"

// SQLite-compatible table shapes: no now() defaults and text in place of
// jsonb. Column names match the production models so the repositories work
// unchanged.

type organisationSQLite struct {
	ID           int64  `gorm:"primaryKey"`
	Name         string `gorm:"column:name"`
	Email        string `gorm:"column:email"`
	PlanID       string `gorm:"column:plan_id"`
	BillingState string `gorm:"column:billing_state"`
	BillingNote  string `gorm:"column:billing_note"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (organisationSQLite) TableName() string { return "organisations" }

type memberSQLite struct {
	ID             int64 `gorm:"primaryKey"`
	OrganisationID int64 `gorm:"column:organisation_id"`
	Email          string
	AutopayEnabled bool `gorm:"column:autopay_enabled"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (memberSQLite) TableName() string { return "members" }

type ledgerEntrySQLite struct {
	ID              int64  `gorm:"primaryKey"`
	ExternalEventID string `gorm:"column:external_event_id;uniqueIndex"`
	EventType       string `gorm:"column:event_type"`
	RawPayload      string `gorm:"column:raw_payload;type:text"`
	ProcessedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ledgerEntrySQLite) TableName() string { return "webhook_event_ledger" }

type transactionSQLite struct {
	ID                int64   `gorm:"primaryKey"`
	OrganisationID    int64   `gorm:"column:organisation_id"`
	MemberID          *int64  `gorm:"column:member_id"`
	Kind              string  `gorm:"column:kind"`
	AmountCents       int64   `gorm:"column:amount_cents"`
	Currency          string  `gorm:"column:currency"`
	Status            string  `gorm:"column:status"`
	PaymentIntentID   *string `gorm:"column:payment_intent_id;uniqueIndex"`
	CheckoutSessionID *string `gorm:"column:checkout_session_id"`
	Metadata          string  `gorm:"column:metadata;type:text"`
	OccurredAt        time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (transactionSQLite) TableName() string { return "transactions" }

type contributionRecordSQLite struct {
	ID            int64 `gorm:"primaryKey"`
	MemberID      int64 `gorm:"column:member_id"`
	Period        *time.Time
	AmountCents   int64  `gorm:"column:amount_cents"`
	Status        string `gorm:"column:status"`
	TransactionID *int64 `gorm:"column:transaction_id"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (contributionRecordSQLite) TableName() string { return "contribution_records" }

type orgSubscriptionSQLite struct {
	ID                      int64   `gorm:"primaryKey"`
	OrganisationID          int64   `gorm:"column:organisation_id"`
	PlanID                  string  `gorm:"column:plan_id"`
	ProcessorCustomerID     string  `gorm:"column:processor_customer_id"`
	ProcessorSubscriptionID *string `gorm:"column:processor_subscription_id"`
	Status                  string  `gorm:"column:status"`
	CurrentPeriodStart      *time.Time
	CurrentPeriodEnd        *time.Time
	CancelAt                *time.Time
	CanceledAt              *time.Time
	LatestCheckoutSessionID *string `gorm:"column:latest_checkout_session_id"`
	Metadata                string  `gorm:"column:metadata;type:text"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (orgSubscriptionSQLite) TableName() string { return "organisation_subscriptions" }

type memberSubscriptionSQLite struct {
	ID                      int64   `gorm:"primaryKey"`
	MemberID                int64   `gorm:"column:member_id"`
	OrganisationID          int64   `gorm:"column:organisation_id"`
	AmountCents             int64   `gorm:"column:amount_cents"`
	Currency                string  `gorm:"column:currency"`
	ProcessorCustomerID     string  `gorm:"column:processor_customer_id"`
	ProcessorSubscriptionID *string `gorm:"column:processor_subscription_id"`
	Status                  string  `gorm:"column:status"`
	CurrentPeriodStart      *time.Time
	CurrentPeriodEnd        *time.Time
	CancelAt                *time.Time
	CanceledAt              *time.Time
	LatestCheckoutSessionID *string `gorm:"column:latest_checkout_session_id"`
	Metadata                string  `gorm:"column:metadata;type:text"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (memberSubscriptionSQLite) TableName() string { return "member_subscriptions" }

type connectedAccountSQLite struct {
	ID                 int64  `gorm:"primaryKey"`
	OrganisationID     int64  `gorm:"column:organisation_id"`
	ProcessorAccountID string `gorm:"column:processor_account_id"`
	Status             string `gorm:"column:status"`
	ChargesEnabled     bool   `gorm:"column:charges_enabled"`
	PayoutsEnabled     bool   `gorm:"column:payouts_enabled"`
	DisabledReason     *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (connectedAccountSQLite) TableName() string { return "connected_accounts" }

func openTestDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	Expect(err).ToNot(HaveOccurred())
	Expect(db.AutoMigrate(
		&organisationSQLite{},
		&memberSQLite{},
		&ledgerEntrySQLite{},
		&transactionSQLite{},
		&contributionRecordSQLite{},
		&orgSubscriptionSQLite{},
		&memberSubscriptionSQLite{},
		&connectedAccountSQLite{},
	)).To(Succeed())
	return db
}

type stubProcessor struct {
	subscriptions map[string]*processor.Subscription
	unreachable   bool
}

func newStubProcessor() *stubProcessor {
	return &stubProcessor{subscriptions: map[string]*processor.Subscription{}}
}

func (s *stubProcessor) GetSubscription(ctx context.Context, id string, opts ...processor.CallOption) (*processor.Subscription, error) {
	if s.unreachable {
		return nil, fmt.Errorf("%w: connection refused", processor.ErrUnreachable)
	}
	if sub, ok := s.subscriptions[id]; ok {
		return sub, nil
	}
	return nil, &processor.APIError{Status: http.StatusNotFound, Code: "resource_missing", Message: "no such subscription"}
}

func (s *stubProcessor) CreateCustomer(ctx context.Context, params processor.CustomerParams, opts ...processor.CallOption) (*processor.Customer, error) {
	return &processor.Customer{ID: "cus_stub"}, nil
}

func (s *stubProcessor) CreateCheckoutSession(ctx context.Context, params processor.CheckoutSessionParams, opts ...processor.CallOption) (*processor.CheckoutSession, error) {
	return &processor.CheckoutSession{ID: "cs_stub", URL: "https://checkout.example/cs_stub"}, nil
}

func (s *stubProcessor) GetPrice(ctx context.Context, id string, opts ...processor.CallOption) (*processor.Price, error) {
	return nil, &processor.APIError{Status: http.StatusNotFound, Code: "resource_missing", Message: "no such price"}
}

var _ = Describe("Webhook endpoint", func() {
	var (
		db      *gorm.DB
		store   storage.Store
		handler *webhook.Handler
		stub    *stubProcessor
	)

	postEvent := func(body []byte, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/processor", bytes.NewReader(body))
		req.Header.Set("Signature", header)
		rec := httptest.NewRecorder()
		handler.HandleWebhook(rec, req)
		return rec
	}

	signedEvent := func(eventID, eventType string, object any) ([]byte, string) {
		raw, err := json.Marshal(object)
		Expect(err).ToNot(HaveOccurred())
		body, err := json.Marshal(map[string]any{
			"id":      eventID,
			"type":    eventType,
			"created": time.Now().Unix(),
			"data":    map[string]any{"object": json.RawMessage(raw)},
		})
		Expect(err).ToNot(HaveOccurred())
		return body, processor.SignPayload(body, testSecret, time.Now())
	}

	BeforeEach(func() {
		db = openTestDB()
		store = storagepg.NewStore(db)
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		bus := events.NewEventBus(logger)
		stub = newStubProcessor()

		subsService := subscription.NewService(logger, stub, bus)
		txnService := transaction.NewService(logger, bus)
		acctService := account.NewService(logger)
		dispatcher := webhook.NewDispatcher(logger, subsService, txnService, acctService, stub)
		handler = webhook.NewHandler(transport.NewBaseHandler(logger), store, ledger.NewService(logger), dispatcher, testSecret, 5*time.Minute, logger)

		Expect(db.Create(&organisationSQLite{ID: 1, Name: "Demo Verein", Email: "billing@demo.example", BillingState: "pending_payment"}).Error).To(Succeed())
		Expect(db.Create(&memberSQLite{ID: 5, OrganisationID: 1, Email: "mara@demo.example"}).Error).To(Succeed())
	})

	Context("when the signature is invalid", func() {
		It("should reject the request with 400 and record nothing", func() {
			body, _ := signedEvent("evt_1", "account.updated", map[string]any{"id": "acct_1"})

			rec := postEvent(body, "t=123,v1=deadbeef")

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			var count int64
			Expect(db.Model(&ledgerEntrySQLite{}).Count(&count).Error).To(Succeed())
			Expect(count).To(BeZero())
		})
	})

	Context("when the envelope is malformed", func() {
		It("should reject a body without an event id", func() {
			body := []byte(`{"type":"account.updated"}`)

			rec := postEvent(body, processor.SignPayload(body, testSecret, time.Now()))

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("when the same event is delivered twice", func() {
		It("should acknowledge the redelivery as a duplicate without reapplying", func() {
			subID := "sub_m1"
			Expect(db.Create(&memberSubscriptionSQLite{
				ID: 1, MemberID: 5, OrganisationID: 1, AmountCents: 2000, Currency: "eur",
				ProcessorCustomerID: "cus_5", ProcessorSubscriptionID: &subID, Status: "incomplete",
			}).Error).To(Succeed())

			body, header := signedEvent("evt_dup", "customer.subscription.updated", processor.Subscription{
				ID: subID, CustomerID: "cus_5", Status: "active",
			})

			first := postEvent(body, header)
			Expect(first.Code).To(Equal(http.StatusOK))
			var firstResp map[string]any
			Expect(json.Unmarshal(first.Body.Bytes(), &firstResp)).To(Succeed())
			Expect(firstResp).ToNot(HaveKey("duplicate"))

			// flip state behind the engine's back; a true replay must not touch it
			Expect(db.Model(&memberSubscriptionSQLite{}).Where("id = ?", 1).Update("status", "paused").Error).To(Succeed())

			second := postEvent(body, header)
			Expect(second.Code).To(Equal(http.StatusOK))
			var secondResp map[string]any
			Expect(json.Unmarshal(second.Body.Bytes(), &secondResp)).To(Succeed())
			Expect(secondResp["duplicate"]).To(BeTrue())

			var sub memberSubscriptionSQLite
			Expect(db.First(&sub, 1).Error).To(Succeed())
			Expect(sub.Status).To(Equal("paused"))

			var count int64
			Expect(db.Model(&ledgerEntrySQLite{}).Count(&count).Error).To(Succeed())
			Expect(count).To(Equal(int64(1)))
		})
	})

	Context("when a subscription event arrives", func() {
		It("should transition the member subscription and enable autopay", func() {
			subID := "sub_m1"
			Expect(db.Create(&memberSubscriptionSQLite{
				ID: 1, MemberID: 5, OrganisationID: 1, AmountCents: 2000, Currency: "eur",
				ProcessorCustomerID: "cus_5", ProcessorSubscriptionID: &subID, Status: "incomplete",
			}).Error).To(Succeed())

			body, header := signedEvent("evt_sub", "customer.subscription.updated", processor.Subscription{
				ID: subID, CustomerID: "cus_5", Status: "active",
			})

			rec := postEvent(body, header)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var sub memberSubscriptionSQLite
			Expect(db.First(&sub, 1).Error).To(Succeed())
			Expect(sub.Status).To(Equal("active"))
			var mem memberSQLite
			Expect(db.First(&mem, 5).Error).To(Succeed())
			Expect(mem.AutopayEnabled).To(BeTrue())
		})

		It("should fall back to the organisation subscription", func() {
			subID := "sub_o1"
			Expect(db.Create(&orgSubscriptionSQLite{
				ID: 1, OrganisationID: 1, ProcessorCustomerID: "cus_org",
				ProcessorSubscriptionID: &subID, Status: "incomplete",
			}).Error).To(Succeed())

			body, header := signedEvent("evt_org", "customer.subscription.updated", processor.Subscription{
				ID: subID, CustomerID: "cus_org", Status: "past_due",
			})

			rec := postEvent(body, header)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var sub orgSubscriptionSQLite
			Expect(db.First(&sub, 1).Error).To(Succeed())
			Expect(sub.Status).To(Equal("past_due"))
			var org organisationSQLite
			Expect(db.First(&org, 1).Error).To(Succeed())
			Expect(org.BillingState).To(Equal("warning"))
		})
	})

	Context("when a subscription checkout completes", func() {
		It("should fetch the authoritative status and activate the subscription", func() {
			sessionID := "cs_1"
			Expect(db.Create(&memberSubscriptionSQLite{
				ID: 1, MemberID: 5, OrganisationID: 1, AmountCents: 2000, Currency: "eur",
				Status: "incomplete", LatestCheckoutSessionID: &sessionID,
			}).Error).To(Succeed())
			stub.subscriptions["sub_new"] = &processor.Subscription{ID: "sub_new", CustomerID: "cus_new", Status: "active"}

			body, header := signedEvent("evt_cs", "checkout.session.completed", processor.CheckoutSession{
				ID: sessionID, Mode: processor.SessionModeSubscription, Status: processor.SessionStatusComplete,
				PaymentStatus: processor.SessionPaymentStatusPaid,
				SubscriptionID: "sub_new", CustomerID: "cus_new",
			})

			rec := postEvent(body, header)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var sub memberSubscriptionSQLite
			Expect(db.First(&sub, 1).Error).To(Succeed())
			Expect(sub.Status).To(Equal("active"))
			Expect(sub.ProcessorSubscriptionID).ToNot(BeNil())
			Expect(*sub.ProcessorSubscriptionID).To(Equal("sub_new"))
			Expect(sub.ProcessorCustomerID).To(Equal("cus_new"))
		})

		It("should answer 502 and roll back when the processor is unreachable", func() {
			sessionID := "cs_1"
			Expect(db.Create(&memberSubscriptionSQLite{
				ID: 1, MemberID: 5, OrganisationID: 1, AmountCents: 2000, Currency: "eur",
				Status: "incomplete", LatestCheckoutSessionID: &sessionID,
			}).Error).To(Succeed())
			stub.unreachable = true

			body, header := signedEvent("evt_cs_down", "checkout.session.completed", processor.CheckoutSession{
				ID: sessionID, Mode: processor.SessionModeSubscription,
				SubscriptionID: "sub_new", CustomerID: "cus_new",
			})

			rec := postEvent(body, header)

			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			// unprocessed ledger state lets the redelivery retry
			var count int64
			Expect(db.Model(&ledgerEntrySQLite{}).Where("processed_at IS NOT NULL").Count(&count).Error).To(Succeed())
			Expect(count).To(BeZero())

			stub.unreachable = false
			stub.subscriptions["sub_new"] = &processor.Subscription{ID: "sub_new", CustomerID: "cus_new", Status: "active"}
			retry := postEvent(body, header)
			Expect(retry.Code).To(Equal(http.StatusOK))
			var sub memberSubscriptionSQLite
			Expect(db.First(&sub, 1).Error).To(Succeed())
			Expect(sub.Status).To(Equal("active"))
		})
	})

	Context("when a checkout session expires", func() {
		It("should reset the pending subscription for a retry", func() {
			sessionID := "cs_stale"
			Expect(db.Create(&memberSubscriptionSQLite{
				ID: 1, MemberID: 5, OrganisationID: 1, AmountCents: 2000, Currency: "eur",
				Status: "incomplete", LatestCheckoutSessionID: &sessionID,
			}).Error).To(Succeed())

			body, header := signedEvent("evt_exp", "checkout.session.expired", processor.CheckoutSession{
				ID: sessionID, Mode: processor.SessionModeSubscription, Status: processor.SessionStatusExpired,
			})

			rec := postEvent(body, header)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var sub memberSubscriptionSQLite
			Expect(db.First(&sub, 1).Error).To(Succeed())
			Expect(sub.Status).To(Equal("incomplete"))
			Expect(sub.LatestCheckoutSessionID).To(BeNil())
		})
	})

	Context("when an invoice payment succeeds for a member", func() {
		It("should record the debit and open a paid contribution for the period", func() {
			subID := "sub_m1"
			Expect(db.Create(&memberSubscriptionSQLite{
				ID: 1, MemberID: 5, OrganisationID: 1, AmountCents: 2000, Currency: "eur",
				ProcessorCustomerID: "cus_5", ProcessorSubscriptionID: &subID, Status: "active",
			}).Error).To(Succeed())

			periodStart := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
			body, header := signedEvent("evt_inv", "invoice.payment_succeeded", processor.Invoice{
				ID: "in_1", Status: "paid", CustomerID: "cus_5", SubscriptionID: subID,
				PaymentIntentID: "pi_1", AmountPaidCents: 2000, Currency: "eur",
				PeriodStart: periodStart.Unix(),
			})

			rec := postEvent(body, header)

			Expect(rec.Code).To(Equal(http.StatusOK))

			var txn transactionSQLite
			Expect(db.Where("payment_intent_id = ?", "pi_1").First(&txn).Error).To(Succeed())
			Expect(txn.Status).To(Equal("succeeded"))
			Expect(txn.Kind).To(Equal("contribution"))
			Expect(txn.AmountCents).To(Equal(int64(2000)))
			Expect(txn.MemberID).ToNot(BeNil())
			Expect(*txn.MemberID).To(Equal(int64(5)))

			var recs []contributionRecordSQLite
			Expect(db.Where("member_id = ?", 5).Find(&recs).Error).To(Succeed())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Status).To(Equal("paid"))
			Expect(recs[0].Period).ToNot(BeNil())
			Expect(recs[0].Period.UTC()).To(Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
		})

		It("should not duplicate the contribution when the invoice is re-observed under a new event id", func() {
			subID := "sub_m1"
			Expect(db.Create(&memberSubscriptionSQLite{
				ID: 1, MemberID: 5, OrganisationID: 1, AmountCents: 2000, Currency: "eur",
				ProcessorCustomerID: "cus_5", ProcessorSubscriptionID: &subID, Status: "active",
			}).Error).To(Succeed())

			invoice := processor.Invoice{
				ID: "in_1", Status: "paid", CustomerID: "cus_5", SubscriptionID: subID,
				PaymentIntentID: "pi_1", AmountPaidCents: 2000, Currency: "eur",
			}

			body1, header1 := signedEvent("evt_inv_a", "invoice.payment_succeeded", invoice)
			Expect(postEvent(body1, header1).Code).To(Equal(http.StatusOK))
			body2, header2 := signedEvent("evt_inv_b", "invoice.paid", invoice)
			Expect(postEvent(body2, header2).Code).To(Equal(http.StatusOK))

			var txnCount, recCount int64
			Expect(db.Model(&transactionSQLite{}).Count(&txnCount).Error).To(Succeed())
			Expect(db.Model(&contributionRecordSQLite{}).Count(&recCount).Error).To(Succeed())
			Expect(txnCount).To(Equal(int64(1)))
			Expect(recCount).To(Equal(int64(1)))
		})
	})

	Context("when an invoice payment fails", func() {
		It("should record a failed transaction with the reason", func() {
			subID := "sub_m1"
			Expect(db.Create(&memberSubscriptionSQLite{
				ID: 1, MemberID: 5, OrganisationID: 1, AmountCents: 2000, Currency: "eur",
				ProcessorCustomerID: "cus_5", ProcessorSubscriptionID: &subID, Status: "active",
			}).Error).To(Succeed())

			body, header := signedEvent("evt_inv_f", "invoice.payment_failed", processor.Invoice{
				ID: "in_2", Status: "open", CustomerID: "cus_5", SubscriptionID: subID,
				PaymentIntentID: "pi_2", AmountDueCents: 2000, Currency: "eur",
			})

			rec := postEvent(body, header)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var txn transactionSQLite
			Expect(db.Where("payment_intent_id = ?", "pi_2").First(&txn).Error).To(Succeed())
			Expect(txn.Status).To(Equal("failed"))
			Expect(txn.Metadata).To(ContainSubstring("invoice payment failed"))
		})
	})

	Context("when an account event arrives", func() {
		It("should update the connected account projection", func() {
			Expect(db.Create(&connectedAccountSQLite{
				ID: 1, OrganisationID: 1, ProcessorAccountID: "acct_1", Status: "pending",
			}).Error).To(Succeed())

			body, header := signedEvent("evt_acct", "account.updated", processor.Account{
				ID: "acct_1", ChargesEnabled: true, PayoutsEnabled: true,
			})

			rec := postEvent(body, header)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var acct connectedAccountSQLite
			Expect(db.First(&acct, 1).Error).To(Succeed())
			Expect(acct.Status).To(Equal("active"))
			Expect(acct.ChargesEnabled).To(BeTrue())
		})
	})

	Context("when the event type is unhandled", func() {
		It("should acknowledge and stamp the ledger anyway", func() {
			body, header := signedEvent("evt_other", "customer.created", map[string]any{"id": "cus_9"})

			rec := postEvent(body, header)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var entry ledgerEntrySQLite
			Expect(db.Where("external_event_id = ?", "evt_other").First(&entry).Error).To(Succeed())
			Expect(entry.ProcessedAt).ToNot(BeNil())
		})
	})
})
