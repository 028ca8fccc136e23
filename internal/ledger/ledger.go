package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkruthoff/membership-billing/internal/core/datamodel/event"
	"gorm.io/gorm"
)

// Repository gives row-locked access to the webhook event ledger. All methods
// must be called on a transaction-scoped repository so the lock taken by
// GetForUpdate spans the caller's whole unit of work.
type Repository interface {
	GetForUpdate(ctx context.Context, externalEventID string) (*event.LedgerEntry, error)
	Create(ctx context.Context, entry *event.LedgerEntry) error
	Update(ctx context.Context, entry *event.LedgerEntry) error
}

// Service is the idempotency gate in front of every webhook handler.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	return &Service{logger: logger}
}

// Admit looks up or creates the ledger entry for the given processor event id
// under a row lock. It returns proceed=false when the event was already
// processed; the caller must then acknowledge the duplicate without running
// any handler. On proceed=true the entry's payload is refreshed and the
// caller is expected to invoke MarkProcessed after the handler succeeds,
// still inside the same database transaction.
func (s *Service) Admit(ctx context.Context, repo Repository, eventID, eventType string, payload json.RawMessage) (*event.LedgerEntry, bool, error) {
	entry, err := repo.GetForUpdate(ctx, eventID)
	switch {
	case err == nil:
		if entry.Processed() {
			s.logger.Info("duplicate webhook event ignored",
				"external_event_id", eventID,
				"event_type", eventType,
				"processed_at", entry.ProcessedAt)
			return entry, false, nil
		}
		entry.EventType = eventType
		entry.RawPayload = payload
		if err := repo.Update(ctx, entry); err != nil {
			return nil, false, fmt.Errorf("refresh ledger entry: %w", err)
		}
		return entry, true, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		entry = &event.LedgerEntry{
			ExternalEventID: eventID,
			EventType:       eventType,
			RawPayload:      payload,
		}
		if createErr := repo.Create(ctx, entry); createErr != nil {
			// A concurrent transaction may have inserted the row between our
			// lookup and the insert; fall back to locking the winner's row.
			existing, lookupErr := repo.GetForUpdate(ctx, eventID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("create ledger entry: %w", createErr)
			}
			if existing.Processed() {
				return existing, false, nil
			}
			existing.EventType = eventType
			existing.RawPayload = payload
			if err := repo.Update(ctx, existing); err != nil {
				return nil, false, fmt.Errorf("refresh ledger entry: %w", err)
			}
			return existing, true, nil
		}
		return entry, true, nil

	default:
		return nil, false, fmt.Errorf("lookup ledger entry: %w", err)
	}
}

// MarkProcessed stamps processed_at on the entry. Must run inside the same
// transaction as Admit so a handler failure rolls the stamp back with
// everything else.
func (s *Service) MarkProcessed(ctx context.Context, repo Repository, entry *event.LedgerEntry) error {
	now := time.Now().UTC()
	entry.ProcessedAt = &now
	if err := repo.Update(ctx, entry); err != nil {
		return fmt.Errorf("mark ledger entry processed: %w", err)
	}
	return nil
}
