package models

import "time"

type BlueskyAuthMode string

const (
	BlueskyAppPassword BlueskyAuthMode = "app_password"
	BlueskyOAuth       BlueskyAuthMode = "oauth"
)

// BlueskyAccount links a local user to their Bluesky identity. Secret holds
// the encrypted app password or access token depending on AuthMode.
type BlueskyAccount struct {
	UserID    int64           `json:"user_id"`
	Handle    string          `json:"handle"`
	DID       string          `json:"did"`
	AuthMode  BlueskyAuthMode `json:"auth_mode"`
	Secret    []byte          `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Follower is a cached follower of a local user's Bluesky account.
type Follower struct {
	UserID      int64     `json:"user_id"`
	DID         string    `json:"did"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"display_name,omitempty"`
	SyncedAt    time.Time `json:"synced_at"`
}
