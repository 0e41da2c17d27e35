package domain

import (
	"time"

	"github.com/google/uuid"
)

// GroupStatus is the lifecycle state of a savings group.
type GroupStatus string

const (
	GroupStatusActive GroupStatus = "active"
	GroupStatusClosed GroupStatus = "closed"
)

// Valid reports whether s is a known group status.
func (s GroupStatus) Valid() bool {
	return s == GroupStatusActive || s == GroupStatusClosed
}

// Group is a rotating savings group. CurrentRotation is 1-based and only
// moves forward while the group is active.
type Group struct {
	ID                     uuid.UUID   `json:"id"`
	Name                   string      `json:"name"`
	ContributionAmount     int64       `json:"contribution_amount"`
	MaxMembers             int         `json:"max_members"`
	RotationDurationMonths int         `json:"rotation_duration_months"`
	CurrentRotation        int         `json:"current_rotation"`
	CycleStartedAt         time.Time   `json:"cycle_started_at"`
	Status                 GroupStatus `json:"status"`
	CreatedAt              time.Time   `json:"created_at"`
	UpdatedAt              time.Time   `json:"updated_at"`
}

// CycleWindow returns the [start, end) window in which contributions count
// toward the current rotation.
func (g Group) CycleWindow() (time.Time, time.Time) {
	return g.CycleStartedAt, g.CycleStartedAt.AddDate(0, g.RotationDurationMonths, 0)
}

// MemberStatus is the state of a membership record.
type MemberStatus string

const (
	MemberStatusActive    MemberStatus = "active"
	MemberStatusSuspended MemberStatus = "suspended"
	MemberStatusRemoved   MemberStatus = "removed"
)

// Valid reports whether s is a known member status.
func (s MemberStatus) Valid() bool {
	switch s {
	case MemberStatusActive, MemberStatusSuspended, MemberStatusRemoved:
		return true
	}
	return false
}

// LeaderMemberNumber is the member number of the group leader (kiongozi).
const LeaderMemberNumber = 1

// Member is a group membership record, distinct from the user identity.
// MemberNumber is assigned at join time and never changes.
type Member struct {
	ID            uuid.UUID    `json:"id"`
	GroupID       uuid.UUID    `json:"group_id"`
	UserID        uuid.UUID    `json:"user_id"`
	PhoneNumber   string       `json:"phone_number,omitempty"`
	MemberNumber  int          `json:"member_number"`
	RotationOrder int          `json:"rotation_order"`
	Status        MemberStatus `json:"status"`
	JoinedAt      time.Time    `json:"joined_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// IsLeader reports whether the member is the group's kiongozi.
func (m Member) IsLeader() bool {
	return m.MemberNumber == LeaderMemberNumber
}
