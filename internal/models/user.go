package models

import "time"

type User struct {
	ID            int64   `json:"id"`
	Email         string  `json:"email"`
	DisplayName   string  `json:"display_name"`
	BlueskyHandle *string `json:"bluesky_handle,omitempty"`
	PasswordHash  string  `json:"-"`
	IsActive      bool    `json:"is_active"`

	// EmailVerifiedAt is set once the user followed the link mailed to Email.
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (u User) EmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

// Identifiers returns the recipient identifiers the user has proven to own:
// the email once verified and the Bluesky handle, which is only set after the
// account was authenticated with Bluesky.
func (u User) Identifiers() []string {
	var ids []string
	if u.EmailVerified() {
		ids = append(ids, u.Email)
	}
	if u.BlueskyHandle != nil && *u.BlueskyHandle != "" {
		ids = append(ids, *u.BlueskyHandle)
	}
	return ids
}
