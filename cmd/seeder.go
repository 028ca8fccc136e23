package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed a demo organisation, member and open contribution for local development.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(".")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		sqlxDB, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer sqlxDB.Close()

		db, err := initGorm(sqlxDB)
		if err != nil {
			log.Fatalf("failed to init orm: %v", err)
		}

		if clearData {
			for _, table := range []string{
				"contribution_records",
				"transactions",
				"member_subscriptions",
				"organisation_subscriptions",
				"webhook_event_ledger",
				"connected_accounts",
				"members",
				"organisations",
			} {
				if err := db.Exec("DELETE FROM " + table).Error; err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared existing data")
		}

		orgEmail := "billing@demo-verein.example"
		var exists int
		row := db.Raw("SELECT 1 FROM organisations WHERE email = ?", orgEmail).Row()
		if err := row.Scan(&exists); err == nil {
			fmt.Println("demo organisation already exists; nothing to do")
			return
		}

		if err := db.Exec(
			"INSERT INTO organisations (name, email, plan_id, billing_state, billing_note, created_at, updated_at) VALUES (?, ?, ?, ?, ?, now(), now())",
			"Demo Verein", orgEmail, "club_basic", "pending_payment", "awaiting first payment",
		).Error; err != nil {
			log.Fatalf("failed to insert organisation: %v", err)
		}

		var orgID int64
		if err := db.Raw("SELECT id FROM organisations WHERE email = ?", orgEmail).Row().Scan(&orgID); err != nil {
			log.Fatalf("failed to read organisation id: %v", err)
		}

		memberEmail := "mara@demo-verein.example"
		if err := db.Exec(
			"INSERT INTO members (organisation_id, email, autopay_enabled, created_at, updated_at) VALUES (?, ?, false, now(), now())",
			orgID, memberEmail,
		).Error; err != nil {
			log.Fatalf("failed to insert member: %v", err)
		}

		var memberID int64
		if err := db.Raw("SELECT id FROM members WHERE email = ?", memberEmail).Row().Scan(&memberID); err != nil {
			log.Fatalf("failed to read member id: %v", err)
		}

		period := time.Now().UTC()
		period = time.Date(period.Year(), period.Month(), 1, 0, 0, 0, 0, time.UTC)
		if err := db.Exec(
			"INSERT INTO contribution_records (member_id, period, amount_cents, status, created_at, updated_at) VALUES (?, ?, ?, 'open', now(), now())",
			memberID, period, 2000,
		).Error; err != nil {
			log.Fatalf("failed to insert contribution record: %v", err)
		}

		fmt.Println("Seeded demo organisation:", orgEmail)
		fmt.Println("Seeded demo member:", memberEmail)
		fmt.Printf("Seeded open contribution of 20.00 for period %s\n", period.Format("2006-01"))
	},
}
