package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dicochat/server/internal/protocol"
	"dicochat/server/internal/store"
)

// Moderation actions accepted by Apply.
const (
	ActionMute            = "mute"
	ActionUnmute          = "unmute"
	ActionKick            = "kick"
	ActionResetReputation = "resetXP"
)

// Stats is the read-only admin dashboard aggregate.
type Stats struct {
	TotalUsers       int64                  `json:"totalUsers"`
	OnlineUsers      int                    `json:"onlineUsers"`
	RecentActivities []store.ActivityRecord `json:"recentActivities"`
	TopUsers         []store.Identity       `json:"topUsers"`
}

// Apply dispatches a named moderation action. Callers must have
// authenticated the operator already.
func (e *Engine) Apply(ctx context.Context, action, nickname string) error {
	switch action {
	case ActionMute:
		return e.Mute(ctx, nickname)
	case ActionUnmute:
		return e.Unmute(ctx, nickname)
	case ActionKick:
		return e.Kick(ctx, nickname)
	case ActionResetReputation:
		return e.ResetReputation(ctx, nickname)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// Mute stops nickname from sending messages.
func (e *Engine) Mute(ctx context.Context, nickname string) error {
	return e.setMuted(ctx, nickname, true)
}

// Unmute lifts a mute.
func (e *Engine) Unmute(ctx context.Context, nickname string) error {
	return e.setMuted(ctx, nickname, false)
}

func (e *Engine) setMuted(ctx context.Context, nickname string, muted bool) error {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	if _, err := e.store.UpdateIdentity(ctx, nickname, store.IdentityPatch{IsMuted: &muted}); err != nil {
		return e.moderationErr("update identity", nickname, err)
	}

	evType, action := protocol.TypeUserMuted, ActionMute
	if !muted {
		evType, action = protocol.TypeUserUnmuted, ActionUnmute
	}
	e.hub.Broadcast(protocol.Event{Type: evType, Data: nickname}, nil)
	e.notifyAdmins()
	e.opts.Metrics.Moderation(action)
	slog.Info("mute status changed", "nickname", nickname, "muted", muted)
	return nil
}

// ResetReputation sets nickname's reputation to zero.
func (e *Engine) ResetReputation(ctx context.Context, nickname string) error {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	zero := int64(0)
	if _, err := e.store.UpdateIdentity(ctx, nickname, store.IdentityPatch{Reputation: &zero}); err != nil {
		return e.moderationErr("update identity", nickname, err)
	}

	e.hub.Broadcast(protocol.Event{Type: protocol.TypeReputationUpdate, Data: protocol.ReputationUpdate{
		Nickname:   nickname,
		Reputation: 0,
	}}, nil)
	e.notifyAdmins()
	e.opts.Metrics.Moderation(ActionResetReputation)
	slog.Info("reputation reset", "nickname", nickname)
	return nil
}

// Kick closes nickname's live connection. The transport's disconnect runs
// the regular leave flow, so no leave bookkeeping happens here.
func (e *Engine) Kick(_ context.Context, nickname string) error {
	c, ok := e.presence.Lookup(nickname)
	if !ok {
		return ErrNotOnline
	}
	e.hub.Kick(c, "kicked by moderator")
	e.opts.Metrics.Moderation(ActionKick)
	slog.Info("participant kicked", "nickname", nickname, "conn_id", c.ID)
	return nil
}

// Announce persists a system message and broadcasts it.
func (e *Engine) Announce(ctx context.Context, text string) error {
	content := e.opts.Sanitize(text)
	if content == "" {
		return ErrEmptyMessage
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	rec := store.MessageRecord{
		Nickname:  store.SystemNickname,
		Content:   content,
		IsSystem:  true,
		CreatedAt: e.opts.Now(),
	}
	if _, err := e.store.AppendMessage(ctx, rec); err != nil {
		return e.moderationErr("append message", store.SystemNickname, err)
	}

	e.hub.Broadcast(protocol.Event{Type: protocol.TypeAnnouncement, Data: content}, nil)
	e.opts.Metrics.Moderation("announce")
	e.notifyAdmins()
	slog.Info("announcement sent", "length", len(content))
	return nil
}

// Stats aggregates the admin dashboard. The online count and each listed
// identity's online flag come from the presence registry.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	total, err := e.store.CountIdentities(ctx, store.IdentityFilter{})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: count identities: %w", ErrStorage, err)
	}
	activities, err := e.store.RecentActivities(ctx, e.opts.ActivityLimit)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: recent activities: %w", ErrStorage, err)
	}
	top, err := e.store.TopIdentities(ctx, e.opts.TopLimit, store.SortByReputation)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: top identities: %w", ErrStorage, err)
	}

	for i := range top {
		top[i].IsOnline = e.presence.IsRegistered(top[i].Nickname)
	}
	if activities == nil {
		activities = []store.ActivityRecord{}
	}
	if top == nil {
		top = []store.Identity{}
	}
	return Stats{
		TotalUsers:       total,
		OnlineUsers:      e.presence.Count(),
		RecentActivities: activities,
		TopUsers:         top,
	}, nil
}

func (e *Engine) moderationErr(op, nickname string, err error) error {
	if errors.Is(err, store.ErrIdentityNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, nickname)
	}
	logStoreErr(op, err, "nickname", nickname)
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
