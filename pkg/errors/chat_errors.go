package errors

var (
	// Domain errors — used by the relay and socket hub
	ErrMissingParticipant    = InvalidArg("sender and recipient ids are required")
	ErrEmptyMessage          = InvalidArg("message text cannot be empty")
	ErrInvalidMessageType    = InvalidArg("message type must be text, image or file")
	ErrInvalidConversationID = InvalidArg("conversation id is required")
	ErrMissingReadData       = InvalidArg("conversation id, user id and role are required")
	ErrInvalidJoinData       = InvalidArg("user id, role and display name are required")
	ErrInvalidRole           = InvalidArg("role must be user or owner")
	ErrAlreadyJoined         = InvalidArg("connection has already joined")
	ErrConversationNotFound  = NotFound("conversation not found")
	ErrInvalidToken          = Unauthorized("invalid or expired token")
)

func ErrPersistenceFailed(cause error) error {
	return Wrap(CodeUnavailable, "failed to save chat data", cause)
}
