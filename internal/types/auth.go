package types

import "time"

// TokenInfo represents validated token information
type TokenInfo struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
	Valid     bool
}
