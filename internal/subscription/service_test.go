package subscription_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	apperrors "github.com/dkruthoff/membership-billing/internal"
	"github.com/dkruthoff/membership-billing/internal/core/datamodel/member"
	model "github.com/dkruthoff/membership-billing/internal/core/datamodel/subscription"
	"github.com/dkruthoff/membership-billing/internal/core/events"
	"github.com/dkruthoff/membership-billing/internal/processor"
	subscriptionPkg "github.com/dkruthoff/membership-billing/internal/subscription"
)

type mockProcessorAPI struct {
	customers      int
	sessions       int
	prices         map[string]*processor.Price
	customerError  error
	sessionError   error
	lastSession    processor.CheckoutSessionParams
	lastCustomer   processor.CustomerParams
	sessionOptsLen int
}

func newMockProcessorAPI() *mockProcessorAPI {
	return &mockProcessorAPI{prices: map[string]*processor.Price{}}
}

func (m *mockProcessorAPI) CreateCustomer(ctx context.Context, params processor.CustomerParams, opts ...processor.CallOption) (*processor.Customer, error) {
	if m.customerError != nil {
		return nil, m.customerError
	}
	m.customers++
	m.lastCustomer = params
	return &processor.Customer{ID: "cus_mock_1", Email: params.Email, Name: params.Name}, nil
}

func (m *mockProcessorAPI) CreateCheckoutSession(ctx context.Context, params processor.CheckoutSessionParams, opts ...processor.CallOption) (*processor.CheckoutSession, error) {
	if m.sessionError != nil {
		return nil, m.sessionError
	}
	m.sessions++
	m.lastSession = params
	m.sessionOptsLen = len(opts)
	return &processor.CheckoutSession{
		ID:     "cs_mock_1",
		Status: processor.SessionStatusOpen,
		Mode:   params.Mode,
		URL:    "https://checkout.processor.example/cs_mock_1",
	}, nil
}

func (m *mockProcessorAPI) GetPrice(ctx context.Context, id string, opts ...processor.CallOption) (*processor.Price, error) {
	if p, ok := m.prices[id]; ok {
		return p, nil
	}
	return nil, errors.New("price not found")
}

type mockOrgSubRepository struct {
	byID    map[int64]*model.OrganisationSubscription
	current map[int64]*model.OrganisationSubscription
	nextID  int64
}

func newMockOrgSubRepository() *mockOrgSubRepository {
	return &mockOrgSubRepository{
		byID:    map[int64]*model.OrganisationSubscription{},
		current: map[int64]*model.OrganisationSubscription{},
		nextID:  1,
	}
}

func (m *mockOrgSubRepository) Create(ctx context.Context, sub *model.OrganisationSubscription) error {
	sub.ID = m.nextID
	m.nextID++
	m.byID[sub.ID] = sub
	m.current[sub.OrganisationID] = sub
	return nil
}

func (m *mockOrgSubRepository) Update(ctx context.Context, sub *model.OrganisationSubscription) error {
	m.byID[sub.ID] = sub
	return nil
}

func (m *mockOrgSubRepository) CurrentForUpdate(ctx context.Context, organisationID int64) (*model.OrganisationSubscription, error) {
	if sub, ok := m.current[organisationID]; ok {
		return sub, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockOrgSubRepository) ByProcessorSubscriptionIDForUpdate(ctx context.Context, id string) (*model.OrganisationSubscription, error) {
	for _, sub := range m.byID {
		if sub.ProcessorSubscriptionID != nil && *sub.ProcessorSubscriptionID == id {
			return sub, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockOrgSubRepository) ByProcessorCustomerIDForUpdate(ctx context.Context, id string) (*model.OrganisationSubscription, error) {
	for _, sub := range m.byID {
		if sub.ProcessorCustomerID == id {
			return sub, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockOrgSubRepository) BySessionIDForUpdate(ctx context.Context, sessionID string) (*model.OrganisationSubscription, error) {
	for _, sub := range m.byID {
		if sub.LatestCheckoutSessionID != nil && *sub.LatestCheckoutSessionID == sessionID {
			return sub, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockOrgSubRepository) ListIncompleteOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*model.OrganisationSubscription, error) {
	return nil, nil
}

type mockMemberSubRepository struct {
	byID    map[int64]*model.MemberSubscription
	current map[int64]*model.MemberSubscription
	nextID  int64
}

func newMockMemberSubRepository() *mockMemberSubRepository {
	return &mockMemberSubRepository{
		byID:    map[int64]*model.MemberSubscription{},
		current: map[int64]*model.MemberSubscription{},
		nextID:  1,
	}
}

func (m *mockMemberSubRepository) Create(ctx context.Context, sub *model.MemberSubscription) error {
	sub.ID = m.nextID
	m.nextID++
	m.byID[sub.ID] = sub
	m.current[sub.MemberID] = sub
	return nil
}

func (m *mockMemberSubRepository) Update(ctx context.Context, sub *model.MemberSubscription) error {
	m.byID[sub.ID] = sub
	return nil
}

func (m *mockMemberSubRepository) CurrentForUpdate(ctx context.Context, memberID int64) (*model.MemberSubscription, error) {
	if sub, ok := m.current[memberID]; ok {
		return sub, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockMemberSubRepository) ByProcessorSubscriptionIDForUpdate(ctx context.Context, id string) (*model.MemberSubscription, error) {
	for _, sub := range m.byID {
		if sub.ProcessorSubscriptionID != nil && *sub.ProcessorSubscriptionID == id {
			return sub, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockMemberSubRepository) ByProcessorCustomerIDForUpdate(ctx context.Context, id string) (*model.MemberSubscription, error) {
	for _, sub := range m.byID {
		if sub.ProcessorCustomerID == id {
			return sub, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockMemberSubRepository) BySessionIDForUpdate(ctx context.Context, sessionID string) (*model.MemberSubscription, error) {
	for _, sub := range m.byID {
		if sub.LatestCheckoutSessionID != nil && *sub.LatestCheckoutSessionID == sessionID {
			return sub, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockMemberSubRepository) ListIncompleteOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*model.MemberSubscription, error) {
	return nil, nil
}

func (m *mockMemberSubRepository) ListAll(ctx context.Context, limit int) ([]*model.MemberSubscription, error) {
	var out []*model.MemberSubscription
	for _, sub := range m.byID {
		out = append(out, sub)
	}
	return out, nil
}

type mockOwnerRepository struct {
	members       map[int64]*member.Member
	organisations map[int64]*member.Organisation
	billingWrites int
}

func newMockOwnerRepository() *mockOwnerRepository {
	return &mockOwnerRepository{
		members:       map[int64]*member.Member{},
		organisations: map[int64]*member.Organisation{},
	}
}

func (m *mockOwnerRepository) GetMember(ctx context.Context, memberID int64) (*member.Member, error) {
	if mem, ok := m.members[memberID]; ok {
		return mem, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockOwnerRepository) SetMemberAutopay(ctx context.Context, memberID int64, enabled bool) error {
	if mem, ok := m.members[memberID]; ok {
		mem.AutopayEnabled = enabled
	}
	return nil
}

func (m *mockOwnerRepository) GetOrganisation(ctx context.Context, organisationID int64) (*member.Organisation, error) {
	if org, ok := m.organisations[organisationID]; ok {
		return org, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockOwnerRepository) UpdateOrganisationBilling(ctx context.Context, organisationID int64, state model.BillingState, note string) error {
	if org, ok := m.organisations[organisationID]; ok {
		org.BillingState = string(state)
		org.BillingNote = note
		m.billingWrites++
	}
	return nil
}

var _ = Describe("SubscriptionService", func() {
	var (
		ctx        context.Context
		svc        *subscriptionPkg.Service
		api        *mockProcessorAPI
		orgSubs    *mockOrgSubRepository
		memberSubs *mockMemberSubRepository
		owners     *mockOwnerRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		api = newMockProcessorAPI()
		orgSubs = newMockOrgSubRepository()
		memberSubs = newMockMemberSubRepository()
		owners = newMockOwnerRepository()
		owners.organisations[1] = &member.Organisation{ID: 1, Name: "Demo Verein", Email: "billing@demo.example", BillingState: "pending_payment"}
		owners.members[5] = &member.Member{ID: 5, OrganisationID: 1, Email: "mara@demo.example"}
		svc = subscriptionPkg.NewService(logger, api, events.NewEventBus(logger))
	})

	Describe("ApplyToOrganisation", func() {
		It("should normalize the status and roll up the billing state", func() {
			sub := &model.OrganisationSubscription{OrganisationID: 1, Status: model.StatusIncomplete}
			Expect(orgSubs.Create(ctx, sub)).To(Succeed())

			err := svc.ApplyToOrganisation(ctx, orgSubs, owners, sub, subscriptionPkg.ProcessorState{
				SubscriptionID: "sub_1",
				CustomerID:     "cus_1",
				RawStatus:      "active",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(sub.Status).To(Equal(model.StatusActive))
			Expect(*sub.ProcessorSubscriptionID).To(Equal("sub_1"))
			Expect(sub.ProcessorCustomerID).To(Equal("cus_1"))
			Expect(owners.organisations[1].BillingState).To(Equal(string(model.BillingOK)))
		})

		It("should map unpaid to past_due and warn the owner", func() {
			sub := &model.OrganisationSubscription{OrganisationID: 1, Status: model.StatusActive}
			Expect(orgSubs.Create(ctx, sub)).To(Succeed())

			err := svc.ApplyToOrganisation(ctx, orgSubs, owners, sub, subscriptionPkg.ProcessorState{RawStatus: "unpaid"})

			Expect(err).ToNot(HaveOccurred())
			Expect(sub.Status).To(Equal(model.StatusPastDue))
			Expect(owners.organisations[1].BillingState).To(Equal(string(model.BillingWarning)))
		})

		It("should not rewrite identifiers learned earlier", func() {
			existing := "sub_original"
			sub := &model.OrganisationSubscription{
				OrganisationID:          1,
				Status:                  model.StatusActive,
				ProcessorSubscriptionID: &existing,
				ProcessorCustomerID:     "cus_original",
			}
			Expect(orgSubs.Create(ctx, sub)).To(Succeed())

			err := svc.ApplyToOrganisation(ctx, orgSubs, owners, sub, subscriptionPkg.ProcessorState{
				SubscriptionID: "sub_other",
				CustomerID:     "cus_other",
				RawStatus:      "active",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(*sub.ProcessorSubscriptionID).To(Equal("sub_original"))
			Expect(sub.ProcessorCustomerID).To(Equal("cus_original"))
		})

		It("should skip the billing write when the state is unchanged", func() {
			owners.organisations[1].BillingState = string(model.BillingOK)
			sub := &model.OrganisationSubscription{OrganisationID: 1, Status: model.StatusActive}
			Expect(orgSubs.Create(ctx, sub)).To(Succeed())

			err := svc.ApplyToOrganisation(ctx, orgSubs, owners, sub, subscriptionPkg.ProcessorState{RawStatus: "active"})

			Expect(err).ToNot(HaveOccurred())
			Expect(owners.billingWrites).To(BeZero())
		})

		It("should adopt the price lookup key as the plan id", func() {
			api.prices["price_1"] = &processor.Price{ID: "price_1", LookupKey: "club_basic", UnitAmountCents: 4900}
			sub := &model.OrganisationSubscription{OrganisationID: 1, Status: model.StatusIncomplete}
			Expect(orgSubs.Create(ctx, sub)).To(Succeed())

			err := svc.ApplyToOrganisation(ctx, orgSubs, owners, sub, subscriptionPkg.ProcessorState{
				RawStatus: "active",
				PriceID:   "price_1",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(sub.PlanID).To(Equal("club_basic"))
		})
	})

	Describe("ApplyToMember", func() {
		It("should enable autopay when the subscription becomes billable", func() {
			sub := &model.MemberSubscription{MemberID: 5, OrganisationID: 1, Status: model.StatusIncomplete, AmountCents: 2000}
			Expect(memberSubs.Create(ctx, sub)).To(Succeed())

			err := svc.ApplyToMember(ctx, memberSubs, owners, sub, subscriptionPkg.ProcessorState{
				SubscriptionID: "sub_m1",
				RawStatus:      "active",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(sub.Status).To(Equal(model.StatusActive))
			Expect(owners.members[5].AutopayEnabled).To(BeTrue())
		})

		It("should disable autopay on cancellation", func() {
			owners.members[5].AutopayEnabled = true
			sub := &model.MemberSubscription{MemberID: 5, OrganisationID: 1, Status: model.StatusActive, AmountCents: 2000}
			Expect(memberSubs.Create(ctx, sub)).To(Succeed())

			err := svc.ApplyToMember(ctx, memberSubs, owners, sub, subscriptionPkg.ProcessorState{RawStatus: "canceled"})

			Expect(err).ToNot(HaveOccurred())
			Expect(sub.Status).To(Equal(model.StatusCanceled))
			Expect(owners.members[5].AutopayEnabled).To(BeFalse())
		})

		It("should re-resolve the amount from the price", func() {
			api.prices["price_m"] = &processor.Price{ID: "price_m", UnitAmountCents: 2500}
			sub := &model.MemberSubscription{MemberID: 5, OrganisationID: 1, Status: model.StatusActive, AmountCents: 2000}
			Expect(memberSubs.Create(ctx, sub)).To(Succeed())

			err := svc.ApplyToMember(ctx, memberSubs, owners, sub, subscriptionPkg.ProcessorState{
				RawStatus: "active",
				PriceID:   "price_m",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(sub.AmountCents).To(Equal(int64(2500)))
		})
	})

	Describe("StartOrganisationCheckout", func() {
		It("should create a customer, a session and persist the session id", func() {
			result, err := svc.StartOrganisationCheckout(ctx, orgSubs, owners, subscriptionPkg.OrganisationCheckoutParams{
				OrganisationID: 1,
				PriceID:        "price_1",
				SuccessURL:     "https://app.example/success",
				CancelURL:      "https://app.example/cancel",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(result.SessionID).To(Equal("cs_mock_1"))
			Expect(result.URL).ToNot(BeEmpty())
			Expect(api.customers).To(Equal(1))
			Expect(api.lastSession.Mode).To(Equal(processor.SessionModeSubscription))
			Expect(api.lastSession.SuccessURL).To(ContainSubstring(subscriptionPkg.CheckoutSessionPlaceholder))

			sub, repoErr := orgSubs.CurrentForUpdate(ctx, 1)
			Expect(repoErr).ToNot(HaveOccurred())
			Expect(sub.LatestCheckoutSessionID).ToNot(BeNil())
			Expect(*sub.LatestCheckoutSessionID).To(Equal("cs_mock_1"))
		})

		It("should not create a second customer for a retry", func() {
			sub := &model.OrganisationSubscription{
				OrganisationID:      1,
				Status:              model.StatusIncomplete,
				ProcessorCustomerID: "cus_existing",
			}
			Expect(orgSubs.Create(ctx, sub)).To(Succeed())

			_, err := svc.StartOrganisationCheckout(ctx, orgSubs, owners, subscriptionPkg.OrganisationCheckoutParams{
				OrganisationID: 1,
				PriceID:        "price_1",
				SuccessURL:     "https://app.example/success",
				CancelURL:      "https://app.example/cancel",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(api.customers).To(BeZero())
			Expect(api.lastSession.CustomerID).To(Equal("cus_existing"))
		})

		It("should reject missing fields with a validation error", func() {
			_, err := svc.StartOrganisationCheckout(ctx, orgSubs, owners, subscriptionPkg.OrganisationCheckoutParams{
				OrganisationID: 1,
			})

			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeValidation))
		})
	})

	Describe("StartMemberAutopay", func() {
		It("should start a scoped checkout carrying the amount", func() {
			result, err := svc.StartMemberAutopay(ctx, memberSubs, owners, subscriptionPkg.MemberAutopayParams{
				MemberID:           5,
				AmountCents:        2000,
				SuccessURL:         "https://app.example/success?tab=billing",
				CancelURL:          "https://app.example/cancel",
				ProcessorAccountID: "acct_42",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(result.SessionID).To(Equal("cs_mock_1"))
			Expect(api.lastSession.AmountCents).To(Equal(int64(2000)))
			Expect(api.sessionOptsLen).To(Equal(1))
			// placeholder joins an existing query string with &
			Expect(api.lastSession.SuccessURL).To(ContainSubstring("&session_id=" + subscriptionPkg.CheckoutSessionPlaceholder))
		})

		It("should refuse a second subscription while one is active", func() {
			sub := &model.MemberSubscription{MemberID: 5, OrganisationID: 1, Status: model.StatusActive, AmountCents: 2000}
			Expect(memberSubs.Create(ctx, sub)).To(Succeed())

			_, err := svc.StartMemberAutopay(ctx, memberSubs, owners, subscriptionPkg.MemberAutopayParams{
				MemberID:    5,
				AmountCents: 2000,
				SuccessURL:  "https://app.example/s",
				CancelURL:   "https://app.example/c",
			})

			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.ErrCodeAutopayAlreadyActive))
		})

		It("should refuse while a checkout is already in progress", func() {
			session := "cs_pending"
			sub := &model.MemberSubscription{
				MemberID:                5,
				OrganisationID:          1,
				Status:                  model.StatusIncomplete,
				LatestCheckoutSessionID: &session,
			}
			Expect(memberSubs.Create(ctx, sub)).To(Succeed())

			_, err := svc.StartMemberAutopay(ctx, memberSubs, owners, subscriptionPkg.MemberAutopayParams{
				MemberID:    5,
				AmountCents: 2000,
				SuccessURL:  "https://app.example/s",
				CancelURL:   "https://app.example/c",
			})

			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.ErrCodeCheckoutInProgress))
		})

		It("should reuse an incomplete row without an open session", func() {
			sub := &model.MemberSubscription{MemberID: 5, OrganisationID: 1, Status: model.StatusIncomplete, AmountCents: 1500}
			Expect(memberSubs.Create(ctx, sub)).To(Succeed())

			result, err := svc.StartMemberAutopay(ctx, memberSubs, owners, subscriptionPkg.MemberAutopayParams{
				MemberID:    5,
				AmountCents: 2000,
				SuccessURL:  "https://app.example/s",
				CancelURL:   "https://app.example/c",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(result.SubscriptionID).To(Equal(sub.ID))
			Expect(sub.AmountCents).To(Equal(int64(2000)))
		})

		It("should surface a not-found error for an unknown member", func() {
			_, err := svc.StartMemberAutopay(ctx, memberSubs, owners, subscriptionPkg.MemberAutopayParams{
				MemberID:    404,
				AmountCents: 2000,
				SuccessURL:  "https://app.example/s",
				CancelURL:   "https://app.example/c",
			})

			Expect(err).To(MatchError(apperrors.ErrMemberNotFound))
		})

		It("should reject an amount below the platform minimum", func() {
			_, err := svc.StartMemberAutopay(ctx, memberSubs, owners, subscriptionPkg.MemberAutopayParams{
				MemberID:    5,
				AmountCents: 0,
				SuccessURL:  "https://app.example/s",
				CancelURL:   "https://app.example/c",
			})

			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeValidation))
		})
	})

	Describe("ResetOrganisationCheckout", func() {
		It("should clear the session id and park billing on pending payment", func() {
			session := "cs_stale"
			sub := &model.OrganisationSubscription{
				OrganisationID:          1,
				Status:                  model.StatusIncomplete,
				LatestCheckoutSessionID: &session,
			}
			Expect(orgSubs.Create(ctx, sub)).To(Succeed())
			owners.organisations[1].BillingState = string(model.BillingWarning)

			Expect(svc.ResetOrganisationCheckout(ctx, orgSubs, owners, sub)).To(Succeed())

			Expect(sub.LatestCheckoutSessionID).To(BeNil())
			Expect(sub.Status).To(Equal(model.StatusIncomplete))
			Expect(owners.organisations[1].BillingState).To(Equal(string(model.BillingPendingPayment)))
		})
	})

	Describe("EnsureSessionPlaceholder", func() {
		It("should append with ? when the URL has no query", func() {
			Expect(subscriptionPkg.EnsureSessionPlaceholder("https://a.example/done")).
				To(Equal("https://a.example/done?session_id=" + subscriptionPkg.CheckoutSessionPlaceholder))
		})

		It("should append with & when a query string exists", func() {
			Expect(subscriptionPkg.EnsureSessionPlaceholder("https://a.example/done?x=1")).
				To(Equal("https://a.example/done?x=1&session_id=" + subscriptionPkg.CheckoutSessionPlaceholder))
		})

		It("should leave a URL alone that already carries the placeholder", func() {
			u := "https://a.example/done?sid=" + subscriptionPkg.CheckoutSessionPlaceholder
			Expect(subscriptionPkg.EnsureSessionPlaceholder(u)).To(Equal(u))
		})
	})
})
