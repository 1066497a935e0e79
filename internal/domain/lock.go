package domain

import "time"

// PseudoLock is a named, expiring lock record in a shared storage backend.
// Whoever wrote the current payload owns the lock until it expires or is released.
type PseudoLock struct {
	Name       string
	Payload    string
	Expiration time.Time
}

// Expired reports whether the lock is past its expiration at now.
func (l PseudoLock) Expired(now time.Time) bool {
	return !now.Before(l.Expiration)
}
