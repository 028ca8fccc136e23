package reconcile

import "sync"

// Summary is the machine-parseable result every sweep returns. CLI commands
// print it as JSON for operational monitoring.
type Summary struct {
	Updated      int `json:"updated"`
	Expired      int `json:"expired"`
	StillPending int `json:"still_pending"`
	Errored      int `json:"errored"`

	mu sync.Mutex
}

func (s *Summary) AddUpdated()      { s.mu.Lock(); s.Updated++; s.mu.Unlock() }
func (s *Summary) AddExpired()      { s.mu.Lock(); s.Expired++; s.mu.Unlock() }
func (s *Summary) AddStillPending() { s.mu.Lock(); s.StillPending++; s.mu.Unlock() }
func (s *Summary) AddErrored()      { s.mu.Lock(); s.Errored++; s.mu.Unlock() }

// Merge folds another summary into this one.
func (s *Summary) Merge(other *Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Updated += other.Updated
	s.Expired += other.Expired
	s.StillPending += other.StillPending
	s.Errored += other.Errored
}
