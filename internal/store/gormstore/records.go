package gormstore

// SessionRecord is the durable session row.
type SessionRecord struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:8;not null"`
	Title            string `gorm:"column:title;size:120;not null"`
	Description      string `gorm:"column:description;type:text"`
	IsPublic         bool   `gorm:"column:is_public;not null;index:idx_collab_sessions_public,priority:1"`
	AllowGuests      bool   `gorm:"column:allow_guests;not null"`
	MaxParticipants  int    `gorm:"column:max_participants;not null"`
	AutoSave         bool   `gorm:"column:auto_save;not null"`
	Code             string `gorm:"column:code;type:text"`
	Language         string `gorm:"column:language;size:32;not null"`
	CreatedBy        string `gorm:"column:created_by;size:200"`
	IsActive         bool   `gorm:"column:is_active;not null;index:idx_collab_sessions_activity,priority:1"`
	CreatedAtMs      int64  `gorm:"column:created_at_ms;not null"`
	LastActivityMs   int64  `gorm:"column:last_activity_ms;not null;index:idx_collab_sessions_activity,priority:2;index:idx_collab_sessions_public,priority:2"`
	TotalExecutions  int64  `gorm:"column:total_executions;not null;default:0"`
	TotalMessages    int64  `gorm:"column:total_messages;not null;default:0"`
	TotalCodeChanges int64  `gorm:"column:total_code_changes;not null;default:0"`
	PeakParticipants int    `gorm:"column:peak_participants;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SessionRecord) TableName() string {
	return "collab_sessions"
}

// ParticipantRecord is one roster entry keyed by room and identity.
type ParticipantRecord struct {
	RoomID          string `gorm:"column:room_id;primaryKey;size:8;not null"`
	IdentityKey     string `gorm:"column:identity_key;primaryKey;size:200;not null;index:idx_collab_participants_identity"`
	UserID          string `gorm:"column:user_id;size:190"`
	GuestID         string `gorm:"column:guest_id;size:190"`
	DisplayName     string `gorm:"column:display_name;size:64"`
	Email           string `gorm:"column:email;size:320"`
	Role            string `gorm:"column:role;size:16;not null"`
	JoinedAtMs      int64  `gorm:"column:joined_at_ms;not null"`
	ActiveSinceMs   int64  `gorm:"column:active_since_ms;not null"`
	LeftAtMs        *int64 `gorm:"column:left_at_ms"`
	IsActive        bool   `gorm:"column:is_active;not null"`
	TimeInSessionMs int64  `gorm:"column:time_in_session_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ParticipantRecord) TableName() string {
	return "collab_participants"
}

// CodeEditRecord is one retained code history entry.
type CodeEditRecord struct {
	Seq       int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	RoomID    string `gorm:"column:room_id;size:8;not null;index:idx_collab_code_edits_room"`
	Code      string `gorm:"column:code;type:text"`
	Language  string `gorm:"column:language;size:32;not null"`
	AuthorKey string `gorm:"column:author_key;size:200"`
	AtMs      int64  `gorm:"column:at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CodeEditRecord) TableName() string {
	return "collab_code_edits"
}

// ExecutionRecord is one retained execution.
type ExecutionRecord struct {
	Seq         int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	RoomID      string `gorm:"column:room_id;size:8;not null;index:idx_collab_executions_room"`
	ExecutionID string `gorm:"column:execution_id;size:64;not null"`
	Code        string `gorm:"column:code;type:text"`
	Language    string `gorm:"column:language;size:32;not null"`
	Stdin       string `gorm:"column:stdin;type:text"`
	Stdout      string `gorm:"column:stdout;type:text"`
	Stderr      string `gorm:"column:stderr;type:text"`
	ExitCode    int    `gorm:"column:exit_code;not null"`
	DurationMs  int64  `gorm:"column:duration_ms;not null"`
	Status      string `gorm:"column:status;size:16;not null"`
	Error       string `gorm:"column:error;type:text"`
	AuthorKey   string `gorm:"column:author_key;size:200"`
	AtMs        int64  `gorm:"column:at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ExecutionRecord) TableName() string {
	return "collab_executions"
}

// MessageRecord is one retained chat message. Reactions and the execution
// attachment are stored as JSON documents.
type MessageRecord struct {
	Seq           int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	RoomID        string `gorm:"column:room_id;size:8;not null;uniqueIndex:idx_collab_messages_room_message,priority:1"`
	MessageID     string `gorm:"column:message_id;size:64;not null;uniqueIndex:idx_collab_messages_room_message,priority:2"`
	Type          string `gorm:"column:type;size:16;not null"`
	Content       string `gorm:"column:content;type:text"`
	ExecutionJSON string `gorm:"column:execution_json;type:text"`
	SenderKey     string `gorm:"column:sender_key;size:200"`
	SenderName    string `gorm:"column:sender_name;size:64"`
	SenderColor   string `gorm:"column:sender_color;size:16"`
	ReactionsJSON string `gorm:"column:reactions_json;type:text;not null"`
	AtMs          int64  `gorm:"column:at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRecord) TableName() string {
	return "collab_messages"
}

// Models lists the tables owned by this store for schema migration.
func Models() []any {
	return []any{
		&SessionRecord{},
		&ParticipantRecord{},
		&CodeEditRecord{},
		&ExecutionRecord{},
		&MessageRecord{},
	}
}
