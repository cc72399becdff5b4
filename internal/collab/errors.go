package collab

import "errors"

// ErrorCode is the machine-readable code carried by error events.
type ErrorCode string

const (
	CodeRoomNotFound        ErrorCode = "room_not_found"
	CodeRoomFull            ErrorCode = "room_full"
	CodePermissionDenied    ErrorCode = "permission_denied"
	CodeInvalidEvent        ErrorCode = "invalid_event"
	CodeNotJoined           ErrorCode = "not_joined"
	CodeAlreadyJoined       ErrorCode = "already_joined"
	CodeExecutionInProgress ErrorCode = "execution_in_progress"
	CodeExecutionTimeout    ErrorCode = "execution_timeout"
	CodeExecutionOutput     ErrorCode = "execution_output_limit"
	CodeStorageUnavailable  ErrorCode = "storage_unavailable"
	CodeMessageNotFound     ErrorCode = "message_not_found"
	CodeParticipantNotFound ErrorCode = "participant_not_found"
	CodeInternal            ErrorCode = "internal_error"
)

// Error is a collaboration failure with a stable wire code.
type Error struct {
	code    ErrorCode
	message string
}

func newError(code ErrorCode, message string) *Error {
	return &Error{code: code, message: message}
}

func (e *Error) Error() string {
	return e.message
}

// Code returns the wire code.
func (e *Error) Code() ErrorCode {
	return e.code
}

var (
	ErrRoomNotFound         = newError(CodeRoomNotFound, "collab: room not found")
	ErrRoomFull             = newError(CodeRoomFull, "collab: room is full")
	ErrPermissionDenied     = newError(CodePermissionDenied, "collab: permission denied")
	ErrInvalidEvent         = newError(CodeInvalidEvent, "collab: invalid event")
	ErrNotJoined            = newError(CodeNotJoined, "collab: connection has not joined the room")
	ErrAlreadyJoined        = newError(CodeAlreadyJoined, "collab: connection already joined a room")
	ErrExecutionInProgress  = newError(CodeExecutionInProgress, "collab: an execution is already running")
	ErrExecutionTimeout     = newError(CodeExecutionTimeout, "collab: execution timed out")
	ErrExecutionOutputLimit = newError(CodeExecutionOutput, "collab: execution output limit exceeded")
	ErrStorageUnavailable   = newError(CodeStorageUnavailable, "collab: session store unavailable")
	ErrMessageNotFound      = newError(CodeMessageNotFound, "collab: chat message not found")
	ErrParticipantNotFound  = newError(CodeParticipantNotFound, "collab: participant not found")

	ErrInvalidRoomID       = newError(CodeInvalidEvent, "collab: invalid room id")
	ErrUnsupportedLanguage = newError(CodeInvalidEvent, "collab: unsupported language")
	ErrInvalidIdentity     = newError(CodeInvalidEvent, "collab: invalid identity")

	// ErrSessionNotFound is returned by stores when no durable record exists.
	ErrSessionNotFound = errors.New("collab: session not found")
	// ErrRoomIDTaken is returned by stores when Create collides with an existing record.
	ErrRoomIDTaken = errors.New("collab: room id already taken")

	errRoomClosed = errors.New("collab: room closed")
)

// CodeOf extracts the wire code from err, defaulting to internal_error.
func CodeOf(err error) ErrorCode {
	var collabErr *Error
	if errors.As(err, &collabErr) {
		return collabErr.code
	}
	return CodeInternal
}
