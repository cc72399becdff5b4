package collab

import (
	"fmt"
	"strings"
	"time"
)

const (
	// CodeHistoryCap bounds the retained code edits per session.
	CodeHistoryCap = 100
	// ExecutionHistoryCap bounds the retained execution records per session.
	ExecutionHistoryCap = 50
	// ChatHistoryCap bounds the retained chat messages per session.
	ChatHistoryCap = 200

	roomIDLength   = 8
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	maxIdentifierLength = 190
	maxDisplayName      = 64
	defaultTitle        = "Untitled session"

	// DefaultMaxParticipants is used when settings do not carry a limit.
	DefaultMaxParticipants = 10
	// MaxParticipantsCeiling is the largest accepted participant limit.
	MaxParticipantsCeiling = 50

	identityUserPrefix  = "user:"
	identityGuestPrefix = "guest:"
)

// RoomID is the short human-shareable code that identifies a room and its session.
type RoomID string

// NewRoomID normalizes raw input to the canonical upper-case room code.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(rawInput))
	if len(trimmed) != roomIDLength {
		return "", fmt.Errorf("%w: expected %d characters", ErrInvalidRoomID, roomIDLength)
	}
	for _, r := range trimmed {
		if !strings.ContainsRune(roomIDAlphabet, r) {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidRoomID, r)
		}
	}
	return RoomID(trimmed), nil
}

// String returns the underlying room code.
func (id RoomID) String() string {
	return string(id)
}

// Language enumerates the supported execution languages.
type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
	LanguagePython     Language = "python"
	LanguageJava       Language = "java"
	LanguageCPP        Language = "cpp"
	LanguageC          Language = "c"
	LanguageCSharp     Language = "csharp"
	LanguageGo         Language = "go"
	LanguageRust       Language = "rust"
	LanguageRuby       Language = "ruby"
	LanguagePHP        Language = "php"
	LanguageKotlin     Language = "kotlin"
	LanguageSwift      Language = "swift"

	// DefaultLanguage seeds new sessions.
	DefaultLanguage = LanguageJavaScript
)

var supportedLanguages = map[Language]struct{}{
	LanguageJavaScript: {},
	LanguageTypeScript: {},
	LanguagePython:     {},
	LanguageJava:       {},
	LanguageCPP:        {},
	LanguageC:          {},
	LanguageCSharp:     {},
	LanguageGo:         {},
	LanguageRust:       {},
	LanguageRuby:       {},
	LanguagePHP:        {},
	LanguageKotlin:     {},
	LanguageSwift:      {},
}

var languageAliases = map[string]Language{
	"js":      LanguageJavaScript,
	"node":    LanguageJavaScript,
	"ts":      LanguageTypeScript,
	"py":      LanguagePython,
	"python3": LanguagePython,
	"c++":     LanguageCPP,
	"cs":      LanguageCSharp,
	"c#":      LanguageCSharp,
	"golang":  LanguageGo,
	"rb":      LanguageRuby,
	"kt":      LanguageKotlin,
}

// ParseLanguage validates raw input against the supported language set.
func ParseLanguage(rawInput string) (Language, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	if alias, ok := languageAliases[normalized]; ok {
		return alias, nil
	}
	language := Language(normalized)
	if _, ok := supportedLanguages[language]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, rawInput)
	}
	return language, nil
}

// Role is a participant's permission level within a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ParseRole validates raw input as a participant role.
func ParseRole(rawInput string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(rawInput))); role {
	case RoleOwner, RoleEditor, RoleViewer:
		return role, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidEvent, rawInput)
	}
}

// CanEdit reports whether the role may change shared code and language.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// Identity identifies a participant by exactly one of a user id or a guest id.
type Identity struct {
	UserID  string
	GuestID string
}

// NewUserIdentity returns an identity for an authenticated user.
func NewUserIdentity(userID string) (Identity, error) {
	identity := Identity{UserID: strings.TrimSpace(userID)}
	return identity, identity.Validate()
}

// NewGuestIdentity returns an identity for an anonymous guest.
func NewGuestIdentity(guestID string) (Identity, error) {
	identity := Identity{GuestID: strings.TrimSpace(guestID)}
	return identity, identity.Validate()
}

// ParseIdentityKey reverses Identity.Key.
func ParseIdentityKey(key string) (Identity, error) {
	trimmed := strings.TrimSpace(key)
	switch {
	case strings.HasPrefix(trimmed, identityUserPrefix):
		return NewUserIdentity(strings.TrimPrefix(trimmed, identityUserPrefix))
	case strings.HasPrefix(trimmed, identityGuestPrefix):
		return NewGuestIdentity(strings.TrimPrefix(trimmed, identityGuestPrefix))
	default:
		return Identity{}, fmt.Errorf("%w: unknown key format %q", ErrInvalidIdentity, key)
	}
}

// Validate enforces the exactly-one-of rule.
func (i Identity) Validate() error {
	hasUser := i.UserID != ""
	hasGuest := i.GuestID != ""
	if hasUser == hasGuest {
		return fmt.Errorf("%w: exactly one of user id or guest id is required", ErrInvalidIdentity)
	}
	if len(i.UserID) > maxIdentifierLength || len(i.GuestID) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentity, maxIdentifierLength)
	}
	return nil
}

// IsGuest reports whether the identity is anonymous.
func (i Identity) IsGuest() bool {
	return i.GuestID != ""
}

// Key is the stable string form used for roster lookup and attribution.
func (i Identity) Key() string {
	if i.IsGuest() {
		return identityGuestPrefix + i.GuestID
	}
	return identityUserPrefix + i.UserID
}

// Settings are the per-session options chosen at creation time.
type Settings struct {
	IsPublic        bool `json:"isPublic"`
	AllowGuests     bool `json:"allowGuests"`
	MaxParticipants int  `json:"maxParticipants"`
	AutoSave        bool `json:"autoSave"`
}

// DefaultSettings returns the settings applied when a creator supplies none.
func DefaultSettings() Settings {
	return Settings{
		IsPublic:        false,
		AllowGuests:     true,
		MaxParticipants: DefaultMaxParticipants,
		AutoSave:        true,
	}
}

// Normalized clamps the participant limit into the accepted range.
func (s Settings) Normalized() Settings {
	switch {
	case s.MaxParticipants <= 0:
		s.MaxParticipants = DefaultMaxParticipants
	case s.MaxParticipants > MaxParticipantsCeiling:
		s.MaxParticipants = MaxParticipantsCeiling
	}
	return s
}

// Participant is the durable roster entry for one identity in one session.
type Participant struct {
	Identity      Identity
	DisplayName   string
	Email         string
	Role          Role
	JoinedAt      time.Time
	ActiveSince   time.Time
	LeftAt        *time.Time
	Active        bool
	TimeInSession time.Duration
}

// CodeEdit is a snapshot of the shared code after one change.
type CodeEdit struct {
	Code      string    `json:"code"`
	Language  Language  `json:"language"`
	AuthorKey string    `json:"authorId"`
	At        time.Time `json:"timestamp"`
}

// ExecutionStatus classifies the outcome of one execution.
type ExecutionStatus string

const (
	ExecutionSuccess     ExecutionStatus = "success"
	ExecutionError       ExecutionStatus = "error"
	ExecutionTimeout     ExecutionStatus = "timeout"
	ExecutionOutputLimit ExecutionStatus = "output_limit"
	ExecutionFailed      ExecutionStatus = "failed"
)

// ExecutionRecord captures one completed execution.
type ExecutionRecord struct {
	ID         string          `json:"id"`
	Code       string          `json:"code"`
	Language   Language        `json:"language"`
	Stdin      string          `json:"stdin,omitempty"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	ExitCode   int             `json:"exitCode"`
	DurationMs int64           `json:"durationMs"`
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	AuthorKey  string          `json:"authorId"`
	At         time.Time       `json:"timestamp"`
}

// MessageType distinguishes chat entries.
type MessageType string

const (
	MessageText      MessageType = "text"
	MessageSystem    MessageType = "system"
	MessageExecution MessageType = "execution"
)

// Reaction is one participant's symbol on a chat message.
type Reaction struct {
	ParticipantKey string    `json:"participantId"`
	Symbol         string    `json:"symbol"`
	At             time.Time `json:"timestamp"`
}

// ChatMessage is one entry of the room chat.
type ChatMessage struct {
	ID          string           `json:"id"`
	Type        MessageType      `json:"type"`
	Content     string           `json:"content"`
	Execution   *ExecutionRecord `json:"execution,omitempty"`
	SenderKey   string           `json:"authorId"`
	SenderName  string           `json:"authorName"`
	SenderColor string           `json:"authorColor,omitempty"`
	At          time.Time        `json:"timestamp"`
	Reactions   []Reaction       `json:"reactions"`
}

// ApplyReaction toggles or replaces participantKey's reaction and returns the new list.
// Re-sending the same symbol removes it; a different symbol replaces the previous one.
func ApplyReaction(reactions []Reaction, participantKey, symbol string, at time.Time) []Reaction {
	next := make([]Reaction, 0, len(reactions)+1)
	toggledOff := false
	for _, reaction := range reactions {
		if reaction.ParticipantKey == participantKey {
			if reaction.Symbol == symbol {
				toggledOff = true
			}
			continue
		}
		next = append(next, reaction)
	}
	if !toggledOff {
		next = append(next, Reaction{ParticipantKey: participantKey, Symbol: symbol, At: at})
	}
	return next
}

// Metadata holds the aggregate counters of a session.
type Metadata struct {
	TotalExecutions  int64 `json:"totalExecutions"`
	TotalMessages    int64 `json:"totalMessages"`
	TotalCodeChanges int64 `json:"totalCodeChanges"`
	PeakParticipants int   `json:"peakParticipants"`
}

// Session is the durable record of a collaborative session.
type Session struct {
	RoomID         RoomID
	Title          string
	Description    string
	Settings       Settings
	Code           string
	Language       Language
	CreatedBy      string
	Participants   []Participant
	CodeHistory    []CodeEdit
	Executions     []ExecutionRecord
	Chat           []ChatMessage
	IsActive       bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	Metadata       Metadata
}

// NewSession returns a session seeded with defaults for roomID.
func NewSession(roomID RoomID, now time.Time) *Session {
	return &Session{
		RoomID:         roomID,
		Title:          defaultTitle,
		Settings:       DefaultSettings(),
		Language:       DefaultLanguage,
		IsActive:       true,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// SessionSummary is the listing projection of a session.
type SessionSummary struct {
	RoomID             RoomID    `json:"roomId"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	Language           Language  `json:"language"`
	IsPublic           bool      `json:"isPublic"`
	IsActive           bool      `json:"isActive"`
	ParticipantCount   int       `json:"participantCount"`
	ActiveParticipants int       `json:"activeParticipants"`
	CreatedAt          time.Time `json:"createdAt"`
	LastActivityAt     time.Time `json:"lastActivityAt"`
}

// Summary projects the session into its listing form.
func (s *Session) Summary() SessionSummary {
	active := 0
	for _, participant := range s.Participants {
		if participant.Active {
			active++
		}
	}
	return SessionSummary{
		RoomID:             s.RoomID,
		Title:              s.Title,
		Description:        s.Description,
		Language:           s.Language,
		IsPublic:           s.Settings.IsPublic,
		IsActive:           s.IsActive,
		ParticipantCount:   len(s.Participants),
		ActiveParticipants: active,
		CreatedAt:          s.CreatedAt,
		LastActivityAt:     s.LastActivityAt,
	}
}

// CursorPosition is a zero-based line and column in the shared code.
type CursorPosition struct {
	Line   int `json:"line" validate:"gte=0"`
	Column int `json:"column" validate:"gte=0"`
}

// Selection is an optional highlighted range.
type Selection struct {
	Start CursorPosition `json:"start"`
	End   CursorPosition `json:"end"`
}
