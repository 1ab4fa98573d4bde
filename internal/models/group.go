package models

import "fmt"

// PresenceStatus is a user's online state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceEntry is the tracked presence of one user.
// Entries are only created from an "online" observation.
type PresenceEntry struct {
	UserID   int64          `json:"user_id"`
	Name     string         `json:"name"`
	Username string         `json:"username"`
	Status   PresenceStatus `json:"status"`
}

// UserProfile is the user-directory record for a member id.
type UserProfile struct {
	UserID   int64  `json:"userId"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Online   bool   `json:"onlineStatus,omitempty"`
}

// Member is a group member decorated with profile and presence details.
type Member struct {
	UserID   int64          `json:"user_id"`
	Name     string         `json:"name"`
	Username string         `json:"username"`
	Email    string         `json:"email,omitempty"`
	Status   PresenceStatus `json:"status"`
}

// PlaceholderMember is used when the directory cannot resolve a member id.
func PlaceholderMember(userID int64) Member {
	return Member{
		UserID:   userID,
		Name:     fmt.Sprintf("User %d", userID),
		Username: fmt.Sprintf("user%d", userID),
		Status:   PresenceOffline,
	}
}

// GroupMembersResponse is the response of the group-members endpoint.
type GroupMembersResponse struct {
	GroupID   int64   `json:"group_id"`
	MemberIDs []int64 `json:"member_ids"`
}
