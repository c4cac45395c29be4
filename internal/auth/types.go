package auth

import (
	"errors"
	"time"
)

// Credentials holds the stored cloud tokens for this instance.
//
// The access token is short-lived and presented on every relay dial; the
// refresh token is long-lived and exchanged at the token endpoint when the
// access token runs out.
type Credentials struct {
	AccessToken  string    `json:"-"` // never serialised
	RefreshToken string    `json:"-"` // never serialised
	UpdatedAt    time.Time `json:"updated_at"`
}

// Sentinel errors for cloud auth operations.
var (
	ErrNotLoggedIn     = errors.New("no cloud credentials stored")
	ErrTokenInvalid    = errors.New("invalid token")
	ErrRefreshRejected = errors.New("token refresh rejected")
)
