package protocol

import "errors"

// ErrorKind categorizes a failure for the client. The string values are
// stable wire identifiers; the accompanying error text is for display.
type ErrorKind string

const (
	// Transport errors. These close the connection.
	KindMalformedFrame  ErrorKind = "malformed_frame"
	KindMessageTooLarge ErrorKind = "message_too_large"
	KindReadTimeout     ErrorKind = "read_timeout"
	KindConnectionLost  ErrorKind = "connection_lost"

	// Registration errors.
	KindNicknameTaken      ErrorKind = "nickname_taken"
	KindNicknameInvalid    ErrorKind = "nickname_invalid"
	KindAuthRequired       ErrorKind = "auth_required"
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindAccountLocked      ErrorKind = "account_locked"
	KindIPDenied           ErrorKind = "ip_denied"

	// Authorization errors.
	KindNotAuthorized     ErrorKind = "not_authorized"
	KindNotInChannel      ErrorKind = "not_in_channel"
	KindNotOperator       ErrorKind = "not_operator"
	KindBannedFromChannel ErrorKind = "banned_from_channel"

	// Resource errors.
	KindRateLimitExceeded   ErrorKind = "rate_limit_exceeded"
	KindChannelLimitReached ErrorKind = "channel_limit_reached"
	KindUserLimitReached    ErrorKind = "user_limit_reached"

	// State errors.
	KindChannelNotFound      ErrorKind = "channel_not_found"
	KindUserNotFound         ErrorKind = "user_not_found"
	KindNoEncryptionKey      ErrorKind = "no_encryption_key"
	KindTransferInProgress   ErrorKind = "transfer_in_progress"
	KindWrongChannelPassword ErrorKind = "wrong_channel_password"
	KindWrongCreatorPassword ErrorKind = "wrong_creator_password"

	// Client-side crypto errors. Never produced by the server.
	KindDecryptFailure         ErrorKind = "decrypt_failure"
	KindRotationPeerUnavailable ErrorKind = "rotation_peer_unavailable"
)

// Codec errors.
var (
	// ErrMalformedFrame reports a frame that is not a JSON object with the
	// mandatory version and type fields.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	// ErrMessageTooLarge reports a frame exceeding the decoder's limit.
	ErrMessageTooLarge = errors.New("protocol: message too large")
)
