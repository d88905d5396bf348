package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"dicochat/server/internal/metrics"
	"dicochat/server/internal/protocol"
	"dicochat/server/internal/store"
)

var (
	ErrInvalidNickname = errors.New("invalid nickname")
	ErrNicknameTaken   = errors.New("nickname already online")
	ErrAlreadyJoined   = errors.New("already joined")
	ErrNotJoined       = errors.New("not joined")
	ErrUnknownIdentity = errors.New("unknown identity")
	ErrMuted           = errors.New("you are muted")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNotOnline       = errors.New("user is not online")
	ErrUnknownAction   = errors.New("unknown moderation action")
	ErrStorage         = errors.New("storage unavailable")
)

// Store is the durable storage collaborator. Identity updates are keyed and
// applied atomically by the implementation.
type Store interface {
	FindIdentity(ctx context.Context, nickname string) (store.Identity, error)
	UpsertIdentity(ctx context.Context, nickname string, patch store.IdentityPatch) (store.Identity, error)
	UpdateIdentity(ctx context.Context, nickname string, patch store.IdentityPatch) (store.Identity, error)
	AppendMessage(ctx context.Context, msg store.MessageRecord) (int64, error)
	RecentMessages(ctx context.Context, limit int) ([]store.MessageRecord, error)
	AppendActivity(ctx context.Context, rec store.ActivityRecord) error
	RecentActivities(ctx context.Context, limit int) ([]store.ActivityRecord, error)
	CountIdentities(ctx context.Context, filter store.IdentityFilter) (int64, error)
	TopIdentities(ctx context.Context, n int, key store.SortKey) ([]store.Identity, error)
}

// Options tunes an Engine. Zero values select the defaults in limits.go.
type Options struct {
	// Sanitize cleans message and announcement text. Defaults to
	// strings.TrimSpace.
	Sanitize func(string) string
	// Now is the clock used for timestamps and the reputation rule.
	Now func() time.Time
	// Metrics may be nil.
	Metrics *metrics.Metrics

	HistoryLimit       int
	ReputationInterval time.Duration
	ActivityLimit      int
	TopLimit           int
	StoreTimeout       time.Duration
}

// Engine coordinates sessions, the message pipeline and moderation over one
// hub and one store.
type Engine struct {
	hub      *Hub
	presence *Registry
	store    Store
	opts     Options
}

// New returns an engine. hub and st are required.
func New(hub *Hub, st Store, opts Options) *Engine {
	if opts.Sanitize == nil {
		opts.Sanitize = strings.TrimSpace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.ReputationInterval <= 0 {
		opts.ReputationInterval = DefaultReputationInterval
	}
	if opts.ActivityLimit <= 0 {
		opts.ActivityLimit = DefaultActivityLimit
	}
	if opts.TopLimit <= 0 {
		opts.TopLimit = DefaultTopLimit
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	return &Engine{hub: hub, presence: hub.Presence(), store: st, opts: opts}
}

// Hub returns the engine's broadcast hub.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// Handle decodes and dispatches one inbound event from c. Transports call it
// sequentially per connection.
func (e *Engine) Handle(ctx context.Context, c *Conn, in protocol.Inbound) {
	payload, err := protocol.Decode(in)
	if err != nil {
		e.sendError(c, err.Error())
		return
	}

	switch req := payload.(type) {
	case protocol.JoinRequest:
		_ = e.Join(ctx, c, req.Nickname)
	case protocol.SendMessageRequest:
		_ = e.Send(ctx, c, req.Content)
	case protocol.Ping:
		e.hub.SendTo(c, protocol.Event{Type: protocol.TypePong, Data: req})
	case nil:
		if in.Type == protocol.TypeAdminJoin {
			e.hub.SubscribeAdmin(c)
		}
	}
}

// Disconnect runs the leave flow for c and releases its transport
// resources. Only the first call has any effect.
func (e *Engine) Disconnect(ctx context.Context, c *Conn) {
	e.Leave(ctx, c)
	e.hub.Disconnect(c)
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.opts.StoreTimeout)
}

func (e *Engine) sendError(c *Conn, msg string) {
	e.hub.SendTo(c, protocol.Event{Type: protocol.TypeError, Data: msg})
}

func (e *Engine) notifyAdmins() {
	e.hub.NotifyAdmins(protocol.Event{Type: protocol.TypeAdminPresenceDirty})
}

func (e *Engine) broadcastCount() {
	e.hub.Broadcast(protocol.Event{Type: protocol.TypeOnlineCount, Data: e.presence.Count()}, nil)
}

func logStoreErr(op string, err error, attrs ...any) {
	slog.Error("storage operation failed", append([]any{"op", op, "err", err}, attrs...)...)
}
