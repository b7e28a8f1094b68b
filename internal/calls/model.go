package calls

import (
	"slices"
	"time"
)

// Call is one scheduled or live sales call.
type Call struct {
	ID             string     `json:"id"`
	Status         Status     `json:"status"`
	HostID         string     `json:"hostId"`
	LeadReference  string     `json:"leadReference"`
	LeadName       string     `json:"leadName,omitempty"`
	MeetingID      string     `json:"meetingId,omitempty"`
	InviteOnly     bool       `json:"inviteOnly"`
	InvitedUserIDs []string   `json:"invitedUserIds,omitempty"`
	SecureTokenID  string     `json:"-"`
	PrivateNotes   string     `json:"privateNotes,omitempty"`
	LeadStatus     string     `json:"leadStatus,omitempty"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	Insights       *Insights  `json:"insights,omitempty"`
}

func (c Call) IsHost(userID string) bool {
	return userID != "" && userID == c.HostID
}

// IsInvited reports whether userID is on the call's member list. The host always is.
func (c Call) IsInvited(userID string) bool {
	return c.IsHost(userID) || slices.Contains(c.InvitedUserIDs, userID)
}

// ViewFor returns the projection of the call that userID may see.
func (c Call) ViewFor(userID string) Call {
	view := c
	view.InvitedUserIDs = slices.Clone(c.InvitedUserIDs)
	if !c.IsHost(userID) {
		view.PrivateNotes = ""
		view.InvitedUserIDs = nil
	}
	return view
}

type Role string

const (
	RoleHost   Role = "host"
	RoleMember Role = "member"
)

type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

type MediaState struct {
	CameraOn bool `json:"cameraOn"`
	MicMuted bool `json:"micMuted"`
}

// Participant is one live member of a call. It is not persisted.
type Participant struct {
	UserID          string          `json:"userId"`
	Role            Role            `json:"role"`
	ConnectionState ConnectionState `json:"connectionState"`
	MediaState      MediaState      `json:"mediaState"`
	JoinedAt        time.Time       `json:"joinedAt"`
}

// EngagementLevel summarises how active a call was.
type EngagementLevel string

const (
	EngagementLow    EngagementLevel = "LOW"
	EngagementMedium EngagementLevel = "MEDIUM"
	EngagementHigh   EngagementLevel = "HIGH"
)

func (l EngagementLevel) Valid() bool {
	return l == EngagementLow || l == EngagementMedium || l == EngagementHigh
}

// Insights are compiled once when a call completes.
type Insights struct {
	EngagementLevel  EngagementLevel  `json:"engagementLevel"`
	ChatTranscript   []TranscriptLine `json:"chatTranscript"`
	SharedResources  []ResourceLine   `json:"sharedResources"`
	ParticipantCount int              `json:"participantCount"`
	DurationSeconds  int64            `json:"durationSeconds"`
}

type TranscriptLine struct {
	Seq       int64     `json:"seq"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ResourceLine struct {
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	SharedBy  string    `json:"sharedBy"`
	Timestamp time.Time `json:"timestamp"`
}
