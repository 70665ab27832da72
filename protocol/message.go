// Package protocol defines the JustIRC wire protocol: newline-delimited
// JSON frames with a fixed envelope and a closed set of message types.
// The server reads only envelope and routing fields; encrypted payloads
// pass through it untouched.
package protocol

import "time"

// Version is the protocol version carried in every frame.
const Version = "1.0"

// MaxFrameSize is the default maximum size of a single frame in bytes.
const MaxFrameSize = 65536

// Message types. The set is closed; frames with an unknown type are
// answered with an error frame.
const (
	TypeRegister   = "register"
	TypeDisconnect = "disconnect"

	TypeAuthRequest    = "auth_request"
	TypeAuthResponse   = "auth_response"
	TypeAuthRequired   = "auth_required"
	TypeCreateAccount  = "create_account"
	TypeChangePassword = "change_password"

	TypePublicKeyRequest  = "public_key_request"
	TypePublicKeyResponse = "public_key_response"
	TypeKeyExchange       = "key_exchange"
	TypeRekeyRequest      = "rekey_request"
	TypeRekeyResponse     = "rekey_response"

	TypePrivateMessage = "private_message"
	TypeChannelMessage = "channel_message"

	TypeJoinChannel  = "join_channel"
	TypeLeaveChannel = "leave_channel"
	TypeSetTopic     = "set_topic"
	TypeOpUser       = "op_user"
	TypeKickUser     = "kick_user"
	TypeBanUser      = "ban_user"
	TypeUnbanUser    = "unban_user"

	TypeImageStart = "image_start"
	TypeImageChunk = "image_chunk"
	TypeImageEnd   = "image_end"

	TypeAck      = "ack"
	TypeError    = "error"
	TypeUserList = "user_list"
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
)

// UserInfo describes a connected user in user_list frames and join acks.
type UserInfo struct {
	UserID    string `json:"user_id"`
	Nickname  string `json:"nickname"`
	PublicKey string `json:"public_key,omitempty"`
	IsOperator bool  `json:"is_operator,omitempty"`
}

// Message is the wire envelope. Every frame carries version, type and
// timestamp; all other fields are per-type and omitted when empty. The
// optional fields are explicit scalars, not a property bag.
type Message struct {
	Version   string  `json:"version"`
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`

	// Registration and authentication.
	Nickname     string `json:"nickname,omitempty"`
	PublicKey    string `json:"public_key,omitempty"`
	Username     string `json:"username,omitempty"`
	Email        string `json:"email,omitempty"`
	Password     string `json:"password,omitempty"`
	OldPassword  string `json:"old_password,omitempty"`
	NewPassword  string `json:"new_password,omitempty"`
	SessionToken string `json:"session_token,omitempty"`

	// Routing.
	UserID string `json:"user_id,omitempty"`
	FromID string `json:"from_id,omitempty"`
	ToID   string `json:"to_id,omitempty"`

	// Channel operations.
	Channel         string `json:"channel,omitempty"`
	CreatorPassword string `json:"creator_password,omitempty"`
	Topic           string `json:"topic,omitempty"`
	TargetNickname  string `json:"target_nickname,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Duration        int64  `json:"duration,omitempty"`
	SetBy           string `json:"set_by,omitempty"`
	GrantedBy       string `json:"granted_by,omitempty"`
	KickedBy        string `json:"kicked_by,omitempty"`

	// Encrypted payloads. The server never inspects these.
	EncryptedData string `json:"encrypted_data,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
	NewPublicKey  string `json:"new_public_key,omitempty"`

	// File transfer.
	ImageID     string `json:"image_id,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	ChunkNumber *int   `json:"chunk_number,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`

	// Responses.
	Success     *bool      `json:"success,omitempty"`
	Info        string     `json:"message,omitempty"`
	Description string     `json:"description,omitempty"`
	Users       []UserInfo `json:"users,omitempty"`
	Members     []UserInfo `json:"members,omitempty"`
	IsOperator  *bool      `json:"is_operator,omitempty"`
	IsProtected *bool      `json:"is_protected,omitempty"`

	// Errors.
	Kind       string  `json:"kind,omitempty"`
	Error      string  `json:"error,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// New creates a message of the given type with the envelope fields set.
func New(msgType string) *Message {
	return &Message{
		Version:   Version,
		Type:      msgType,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// NewAck creates an ack frame.
func NewAck(success bool, info string) *Message {
	m := New(TypeAck)
	m.Success = &success
	m.Info = info
	return m
}

// NewError creates an error frame for the given kind. The RetryAfter
// field is set separately by rate-limit denials.
func NewError(kind ErrorKind, text string) *Message {
	m := New(TypeError)
	m.Kind = string(kind)
	m.Error = text
	return m
}

// Bool returns a pointer to b, for the optional boolean envelope fields.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n, for the optional chunk_number field.
func Int(n int) *int { return &n }
