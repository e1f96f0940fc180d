package models

import "time"

// LockRecord is the lease document stored at locks/rankings.lock.
type LockRecord struct {
	HolderToken string    `json:"holder_token"`
	Holder      string    `json:"holder"` // hostname:pid, diagnostics only
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IsExpired returns true if the lease has run out.
func (l *LockRecord) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
