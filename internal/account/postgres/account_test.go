package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	accountpkg "github.com/dkruthoff/membership-billing/internal/account"
	"github.com/dkruthoff/membership-billing/internal/core/datamodel/account"
)

func TestAccountRepository(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Account Repository Suite")
}

// connectedAccountSQLite mirrors the connected_accounts table without now()
// defaults, for in-memory SQLite.
type connectedAccountSQLite struct {
	ID                 int64   `gorm:"primaryKey"`
	OrganisationID     int64   `gorm:"column:organisation_id;uniqueIndex"`
	ProcessorAccountID string  `gorm:"column:processor_account_id;uniqueIndex"`
	Status             string  `gorm:"column:status"`
	ChargesEnabled     bool    `gorm:"column:charges_enabled"`
	PayoutsEnabled     bool    `gorm:"column:payouts_enabled"`
	DisabledReason     *string `gorm:"column:disabled_reason"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (connectedAccountSQLite) TableName() string { return "connected_accounts" }

var _ = ginkgo.Describe("AccountRepository", func() {
	var (
		ctx  context.Context
		repo accountpkg.Repository
	)

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(db.AutoMigrate(&connectedAccountSQLite{})).To(gomega.Succeed())
		repo = NewAccountRepository(db)
	})

	ginkgo.It("should round-trip an account by processor id", func() {
		acct := &account.ConnectedAccount{
			OrganisationID:     1,
			ProcessorAccountID: "acct_1",
			Status:             account.StatusPending,
		}
		gomega.Expect(repo.Create(ctx, acct)).To(gomega.Succeed())

		found, err := repo.GetByProcessorAccountIDForUpdate(ctx, "acct_1")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(found.ID).To(gomega.Equal(acct.ID))
		gomega.Expect(found.Status).To(gomega.Equal(account.StatusPending))
	})

	ginkgo.It("should return ErrRecordNotFound for an unknown processor id", func() {
		_, err := repo.GetByProcessorAccountIDForUpdate(ctx, "acct_missing")
		gomega.Expect(err).To(gomega.MatchError(gorm.ErrRecordNotFound))
	})

	ginkgo.It("should look up by organisation", func() {
		acct := &account.ConnectedAccount{
			OrganisationID:     7,
			ProcessorAccountID: "acct_7",
			Status:             account.StatusActive,
		}
		gomega.Expect(repo.Create(ctx, acct)).To(gomega.Succeed())

		found, err := repo.GetByOrganisationID(ctx, 7)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(found.ProcessorAccountID).To(gomega.Equal("acct_7"))
	})

	ginkgo.It("should persist capability updates", func() {
		acct := &account.ConnectedAccount{
			OrganisationID:     1,
			ProcessorAccountID: "acct_1",
			Status:             account.StatusPending,
		}
		gomega.Expect(repo.Create(ctx, acct)).To(gomega.Succeed())

		acct.ChargesEnabled = true
		acct.PayoutsEnabled = true
		acct.Status = account.DeriveStatus(true, true, nil)
		gomega.Expect(repo.Update(ctx, acct)).To(gomega.Succeed())

		found, err := repo.GetByProcessorAccountIDForUpdate(ctx, "acct_1")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(found.Status).To(gomega.Equal(account.StatusActive))
		gomega.Expect(found.ChargesEnabled).To(gomega.BeTrue())
	})

	ginkgo.It("should list only active accounts in id order", func() {
		for _, seed := range []*account.ConnectedAccount{
			{OrganisationID: 1, ProcessorAccountID: "acct_a", Status: account.StatusActive},
			{OrganisationID: 2, ProcessorAccountID: "acct_b", Status: account.StatusPending},
			{OrganisationID: 3, ProcessorAccountID: "acct_c", Status: account.StatusActive},
		} {
			gomega.Expect(repo.Create(ctx, seed)).To(gomega.Succeed())
		}

		active, err := repo.ListActive(ctx)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(active).To(gomega.HaveLen(2))
		gomega.Expect(active[0].ProcessorAccountID).To(gomega.Equal("acct_a"))
		gomega.Expect(active[1].ProcessorAccountID).To(gomega.Equal("acct_c"))
	})
})
