package subscription_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	model "github.com/dkruthoff/membership-billing/internal/core/datamodel/subscription"
	"github.com/dkruthoff/membership-billing/internal/subscription"
)

func TestStatusMapping(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Subscription Status Suite")
}

var _ = Describe("MapProcessorStatus", func() {
	It("should normalize every known processor status", func() {
		cases := map[string]model.Status{
			"trialing":           model.StatusTrial,
			"active":             model.StatusActive,
			"past_due":           model.StatusPastDue,
			"canceled":           model.StatusCanceled,
			"unpaid":             model.StatusPastDue,
			"incomplete":         model.StatusIncomplete,
			"incomplete_expired": model.StatusIncomplete,
			"paused":             model.StatusPaused,
		}
		for raw, want := range cases {
			Expect(subscription.MapProcessorStatus(raw)).To(Equal(want), "raw status %q", raw)
		}
	})

	It("should map unknown statuses to incomplete", func() {
		Expect(subscription.MapProcessorStatus("some_future_status")).To(Equal(model.StatusIncomplete))
		Expect(subscription.MapProcessorStatus("")).To(Equal(model.StatusIncomplete))
	})
})

var _ = Describe("DeriveBillingState", func() {
	It("should treat entitled statuses as ok", func() {
		Expect(subscription.DeriveBillingState("active")).To(Equal(model.BillingOK))
		Expect(subscription.DeriveBillingState("trialing")).To(Equal(model.BillingOK))
	})

	It("should warn on recoverable payment trouble", func() {
		Expect(subscription.DeriveBillingState("past_due")).To(Equal(model.BillingWarning))
		Expect(subscription.DeriveBillingState("unpaid")).To(Equal(model.BillingWarning))
		Expect(subscription.DeriveBillingState("incomplete")).To(Equal(model.BillingWarning))
	})

	It("should restrict on dead subscriptions", func() {
		Expect(subscription.DeriveBillingState("canceled")).To(Equal(model.BillingRestricted))
		Expect(subscription.DeriveBillingState("incomplete_expired")).To(Equal(model.BillingRestricted))
		Expect(subscription.DeriveBillingState("paused")).To(Equal(model.BillingRestricted))
	})

	It("should fall back to warning for unknown statuses", func() {
		Expect(subscription.DeriveBillingState("whatever")).To(Equal(model.BillingWarning))
	})
})

var _ = Describe("BillingNote", func() {
	It("should append the raw processor status for audit", func() {
		note := subscription.BillingNote(model.BillingWarning, "past_due")
		Expect(note).To(ContainSubstring("payment attention required"))
		Expect(note).To(ContainSubstring("past_due"))
	})

	It("should omit the suffix when no raw status is known", func() {
		note := subscription.BillingNote(model.BillingOK, "")
		Expect(note).To(Equal("subscription in good standing"))
	})
})

var _ = Describe("Status", func() {
	It("should only treat canceled as terminal", func() {
		Expect(model.StatusCanceled.Terminal()).To(BeTrue())
		for _, s := range []model.Status{
			model.StatusIncomplete, model.StatusTrial, model.StatusActive,
			model.StatusPastDue, model.StatusPaused,
		} {
			Expect(s.Terminal()).To(BeFalse(), "status %q", s)
		}
	})

	It("should treat active and trial as billable", func() {
		Expect(model.StatusActive.Billable()).To(BeTrue())
		Expect(model.StatusTrial.Billable()).To(BeTrue())
		Expect(model.StatusPastDue.Billable()).To(BeFalse())
		Expect(model.StatusIncomplete.Billable()).To(BeFalse())
	})
})
