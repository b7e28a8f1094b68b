package records

// CallRecord is the durable row behind a call.
type CallRecord struct {
	CallID           string `gorm:"column:call_id;primaryKey;size:190;not null"`
	Status           string `gorm:"column:status;size:16;not null;index"`
	HostID           string `gorm:"column:host_id;size:190;not null;index"`
	LeadReference    string `gorm:"column:lead_reference;size:190"`
	LeadName         string `gorm:"column:lead_name;size:320"`
	MeetingID        string `gorm:"column:meeting_id;size:190;index"`
	InviteOnly       bool   `gorm:"column:invite_only;not null;default:false"`
	SecureTokenID    string `gorm:"column:secure_token_id;size:64"`
	PrivateNotes     string `gorm:"column:private_notes;type:text"`
	LeadStatus       string `gorm:"column:lead_status;size:64"`
	InsightsJSON     string `gorm:"column:insights_json;type:text"`
	ScheduledAtMilli int64  `gorm:"column:scheduled_at_ms"`
	StartedAtMilli   int64  `gorm:"column:started_at_ms"`
	EndedAtMilli     int64  `gorm:"column:ended_at_ms"`
	CreatedAtMilli   int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMilli   int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CallRecord) TableName() string {
	return "calls"
}

// InviteRecord lists a member allowed into an invite-only call.
type InviteRecord struct {
	CallID         string `gorm:"column:call_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAtMilli int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (InviteRecord) TableName() string {
	return "call_invites"
}

// TimelineRecord stores one sequenced event. (call_id, seq) is unique so a
// sequence number can never be assigned twice.
type TimelineRecord struct {
	CallID          string `gorm:"column:call_id;primaryKey;size:190;not null"`
	Seq             int64  `gorm:"column:seq;primaryKey;autoIncrement:false;not null"`
	Kind            string `gorm:"column:kind;size:32;not null"`
	ActorID         string `gorm:"column:actor_id;size:190;not null"`
	DataJSON        string `gorm:"column:data_json;type:text;not null"`
	OccurredAtMilli int64  `gorm:"column:occurred_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TimelineRecord) TableName() string {
	return "call_timeline_events"
}

// Models lists every table owned by this package, for migrations.
func Models() []any {
	return []any{&CallRecord{}, &InviteRecord{}, &TimelineRecord{}}
}
