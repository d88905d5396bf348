package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Event types used by the websocket protocol.
const (
	// Client to server.
	TypeJoin        = "join"
	TypeSendMessage = "send_message"
	TypeAdminJoin   = "admin_join"
	TypePing        = "ping"

	// Server to client.
	TypeError              = "error_msg"
	TypeHistory            = "load_messages"
	TypeChatMessage        = "new_message"
	TypeUserJoined         = "user_joined"
	TypeUserLeft           = "user_left"
	TypeOnlineCount        = "update_online_count"
	TypeInitReputation     = "init_xp"
	TypeUserMuted          = "user_muted"
	TypeUserUnmuted        = "user_unmuted"
	TypeReputationUpdate   = "xp_update"
	TypeAnnouncement       = "announcement"
	TypeKicked             = "kicked"
	TypeAdminPresenceDirty = "admin_user_list_update"
	TypePong               = "pong"
)

// MaxNicknameLen and MaxContentLen bound inbound payloads.
const (
	MaxNicknameLen = 32
	MaxContentLen  = 2000
)

// Event is the JSON envelope exchanged over the transport. Data holds the
// payload whose schema is fixed by Type.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Inbound is an undecoded client envelope.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the payload of TypeJoin.
type JoinRequest struct {
	Nickname string `json:"nickname" validate:"required,max=32"`
}

// SendMessageRequest is the payload of TypeSendMessage. Empty content is
// accepted here and rejected by the message pipeline.
type SendMessageRequest struct {
	Content string `json:"content" validate:"max=2000"`
}

// Ping is the payload of TypePing and TypePong.
type Ping struct {
	TS int64 `json:"ts"`
}

// HistoryMessage is one replayed message inside TypeHistory.
type HistoryMessage struct {
	Nickname  string `json:"nickname"`
	Content   string `json:"content"`
	IsSystem  bool   `json:"isSystem"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessage is the payload of TypeChatMessage.
type ChatMessage struct {
	Nickname         string `json:"nickname"`
	Content          string `json:"content"`
	Reputation       int64  `json:"xp"`
	GainedReputation bool   `json:"gainedXp"`
	Timestamp        int64  `json:"timestamp"`
}

// ReputationUpdate is the payload of TypeReputationUpdate.
type ReputationUpdate struct {
	Nickname   string `json:"nickname"`
	Reputation int64  `json:"xp"`
}

var validate = validator.New()

// Decode parses the payload of in into a typed request and validates it.
// The returned value is one of JoinRequest, SendMessageRequest, Ping or nil
// (for TypeAdminJoin).
func Decode(in Inbound) (any, error) {
	switch in.Type {
	case TypeJoin:
		var req JoinRequest
		if err := decodeData(in.Data, &req); err != nil {
			return nil, err
		}
		req.Nickname = strings.TrimSpace(req.Nickname)
		if err := validate.Struct(req); err != nil {
			return nil, fmt.Errorf("invalid nickname: %w", err)
		}
		return req, nil

	case TypeSendMessage:
		var req SendMessageRequest
		if err := decodeData(in.Data, &req); err != nil {
			return nil, err
		}
		if err := validate.Struct(req); err != nil {
			return nil, fmt.Errorf("invalid message: %w", err)
		}
		return req, nil

	case TypePing:
		var p Ping
		if len(in.Data) > 0 {
			if err := decodeData(in.Data, &p); err != nil {
				return nil, err
			}
		}
		return p, nil

	case TypeAdminJoin:
		return nil, nil

	case "":
		return nil, fmt.Errorf("event type is required")
	default:
		return nil, fmt.Errorf("unsupported event type %q", in.Type)
	}
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("event data is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode event data: %w", err)
	}
	return nil
}
