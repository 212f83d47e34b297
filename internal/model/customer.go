package model

import (
	"time"
)

// CustomerRecord is a local read-through cache of a billing-system customer.
// It is refreshed opportunistically on every successful lookup and is never
// authoritative; the billing client is always the source of truth for balance.
type CustomerRecord struct {
	ID           string    `json:"id"`
	Phone        string    `json:"phone,omitempty"`
	Name         string    `json:"name"`
	Username     string    `json:"username,omitempty"`
	Plan         string    `json:"plan,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}
