package main

import "time"

// Node is a host that registered with the engine.
type Node struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"index" json:"name"`
	UniqueID      string    `gorm:"index" json:"unique_id"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	RemoteAddr    string    `json:"remote_addr"`
	Scheme        string    `json:"scheme"`
	Registrations int       `json:"registrations"`
	LastTicketID  string    `json:"last_ticket_id,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Ticket is a hashed, single-use registration ticket. The raw value is only
// ever returned once, when issued.
type Ticket struct {
	ID         string `gorm:"primaryKey"`
	Label      string
	TicketHash string `gorm:"uniqueIndex"`
	ExpiresAt  time.Time
	UsedAt     *time.Time
	RedeemedBy string
	CreatedAt  time.Time
}
