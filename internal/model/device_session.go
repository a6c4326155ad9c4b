package model

import "time"

type SessionStatus string

const (
	SessionStatusPending       SessionStatus = "pending"
	SessionStatusAuthenticated SessionStatus = "authenticated"
	SessionStatusExpired       SessionStatus = "expired"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusAuthenticated, SessionStatusExpired:
		return true
	}
	return false
}

// DeviceSession is a kiosk-to-mobile pairing record. PairingCode is the join
// key shared out-of-band; ID is store-assigned and never used for lookups.
type DeviceSession struct {
	ID          string        `db:"id" json:"id"`
	PairingCode string        `db:"kiosk_session_id" json:"pairingCode"`
	UserID      *string       `db:"user_id" json:"identityRef,omitempty"`
	Status      SessionStatus `db:"status" json:"status"`
	CreatedAt   time.Time     `db:"created_at" json:"createdAt"`
	ExpiresAt   time.Time     `db:"expires_at" json:"expiresAt"`
}

// IsExpired reports expiry independently of the stored status.
func (s *DeviceSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsAuthenticated is true only for an unexpired authenticated record with an identity.
func (s *DeviceSession) IsAuthenticated(now time.Time) bool {
	return s.Status == SessionStatusAuthenticated &&
		s.UserID != nil && *s.UserID != "" &&
		!s.IsExpired(now)
}

func (s *DeviceSession) IdentityRef() string {
	if s.UserID == nil {
		return ""
	}
	return *s.UserID
}

type CreateDeviceSessionParams struct {
	PairingCode string
	UserID      *string
	Status      SessionStatus
	ExpiresAt   time.Time
}

type SessionStats struct {
	Total         int `db:"total" json:"total"`
	Pending       int `db:"pending" json:"pending"`
	Authenticated int `db:"authenticated" json:"authenticated"`
	Expired       int `db:"expired" json:"expired"`
	PastExpiry    int `db:"past_expiry" json:"pastExpiry"`
}
