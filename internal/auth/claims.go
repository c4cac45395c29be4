package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// subscriptionGracePeriod is how long past the subscription expiry date the
// service keeps working. Billing hiccups on the cloud side should not take
// a house offline the same day.
const subscriptionGracePeriod = 7 * 24 * time.Hour

// subscriptionDateLayout is the date-only format of the sub_exp claim.
const subscriptionDateLayout = "2006-01-02"

// CloudClaims are the claims carried in a cloud-issued access token.
//
// The cloud is the issuer; this service only reads the claims it needs for
// refresh scheduling and the subscription gate. Signature verification
// happens server-side on every relay dial, so tokens are parsed here
// without it.
type CloudClaims struct {
	jwt.RegisteredClaims
	Username           string `json:"username,omitempty"`
	SubscriptionExpiry string `json:"sub_exp,omitempty"`
}

// ParseClaims decodes the claims from a cloud access token without
// verifying the signature.
func ParseClaims(tokenString string) (*CloudClaims, error) {
	claims := &CloudClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	return claims, nil
}

// Expiration returns the token's expiry time. The second return is false
// when the token carries no exp claim.
func (c *CloudClaims) Expiration() (time.Time, bool) {
	if c.ExpiresAt == nil {
		return time.Time{}, false
	}
	return c.ExpiresAt.Time, true
}

// SubscriptionExpired reports whether the cloud subscription has lapsed,
// including the grace period.
//
// A token without a parseable sub_exp claim counts as expired: it was not
// issued for a subscribed instance.
func (c *CloudClaims) SubscriptionExpired(now time.Time) bool {
	expiry, err := time.Parse(subscriptionDateLayout, c.SubscriptionExpiry)
	if err != nil {
		return true
	}
	return now.After(expiry.Add(subscriptionGracePeriod))
}
