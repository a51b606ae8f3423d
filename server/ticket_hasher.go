package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// TicketHasher derives salted hashes so raw tickets are never stored.
type TicketHasher struct {
	salt []byte
}

func NewTicketHasher(salt []byte) TicketHasher {
	return TicketHasher{salt: append([]byte(nil), salt...)}
}

// Hash returns the base64 HMAC-SHA256 of ticket.
func (h TicketHasher) Hash(ticket string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(ticket))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// generateTicketSecret returns a URL-safe random ticket.
func generateTicketSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
