package models

import (
	"fmt"
	"strings"
	"time"
)

type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "active"
	MembershipRemoved MembershipStatus = "removed"
)

func ParseMembershipStatus(raw string) (MembershipStatus, error) {
	status := MembershipStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case MembershipActive, MembershipRemoved:
		return status, nil
	}
	return "", fmt.Errorf("unknown membership status %q", raw)
}

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

func ParseMemberRole(raw string) (MemberRole, error) {
	role := MemberRole(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleOwner, RoleAdmin, RoleMember:
		return role, nil
	}
	return "", fmt.Errorf("unknown member role %q", raw)
}

// CanManage reports whether the role may invite and remove others.
func (r MemberRole) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Membership is a user's accepted participation in a community.
type Membership struct {
	ID           int64            `json:"id"`
	EntityType   EntityType       `json:"entity_type"`
	EntityID     int64            `json:"entity_id"`
	UserID       int64            `json:"user_id"`
	Role         MemberRole       `json:"role"`
	Status       MembershipStatus `json:"status"`
	InvitationID *int64           `json:"invitation_id,omitempty"`
	JoinedAt     time.Time        `json:"joined_at"`
	RemovedAt    *time.Time       `json:"removed_at,omitempty"`
}
