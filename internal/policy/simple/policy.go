// Package simple contains a permissive politeness policy.
package simple

// Policy admits every host. It is used when rate limiting is disabled.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Allow always returns true.
func (Policy) Allow(_ string) bool {
	return true
}
