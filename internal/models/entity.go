package models

import (
	"fmt"
	"strings"
	"time"
)

// EntityType identifies what an invitation or membership points at.
type EntityType string

const (
	EntityEvent     EntityType = "event"
	EntityCommunity EntityType = "community"
)

// ParseEntityType accepts the singular or plural form used in URLs.
func ParseEntityType(raw string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "event", "events":
		return EntityEvent, nil
	case "community", "communities":
		return EntityCommunity, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
}

type CommunityKind string

const (
	CommunityPublic   CommunityKind = "public"
	CommunityCircle   CommunityKind = "circle"
	CommunityPersonal CommunityKind = "personal"
)

func (k CommunityKind) IsValid() bool {
	switch k {
	case CommunityPublic, CommunityCircle, CommunityPersonal:
		return true
	}
	return false
}

type Event struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	CommunityID *int64    `json:"community_id,omitempty"`
	Title       string    `json:"title"`
	StartsAt    time.Time `json:"starts_at"`
	GuestTotal  int       `json:"guest_total"`
	CreatedAt   time.Time `json:"created_at"`
}

type Community struct {
	ID        int64         `json:"id"`
	OwnerID   int64         `json:"owner_id"`
	Name      string        `json:"name"`
	Kind      CommunityKind `json:"kind"`
	CreatedAt time.Time     `json:"created_at"`
}

// Entity is the common view of an event or community used by the invitation flow.
type Entity struct {
	Type     EntityType `json:"type"`
	ID       int64      `json:"id"`
	OwnerID  int64      `json:"owner_id"`
	Name     string     `json:"name"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
}

func (e Event) Entity() Entity {
	starts := e.StartsAt
	return Entity{Type: EntityEvent, ID: e.ID, OwnerID: e.OwnerID, Name: e.Title, StartsAt: &starts}
}

func (c Community) Entity() Entity {
	return Entity{Type: EntityCommunity, ID: c.ID, OwnerID: c.OwnerID, Name: c.Name}
}
