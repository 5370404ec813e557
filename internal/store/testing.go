package store

import "github.com/shopspring/decimal"

// SeedBalance is a test helper that sets a user's balance directly when using
// the in-memory store.
func SeedBalance(s Store, userID string, amount decimal.Decimal) {
	if mem, ok := s.(*Memory); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if user, exists := mem.users[userID]; exists {
			user.Balance = amount
		}
	}
}
