package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dicochat/server/internal/metrics"
	"dicochat/server/internal/protocol"
	"dicochat/server/internal/store"
)

// Send runs one chat message from c through the pipeline: presence check,
// mute check, reputation rule, sanitize, persist, broadcast.
func (e *Engine) Send(ctx context.Context, c *Conn, raw string) error {
	nickname := c.Nickname()
	if nickname == "" || !e.presence.IsRegistered(nickname) {
		// Stale or never-joined handles are ignored silently.
		return ErrNotJoined
	}

	content := e.opts.Sanitize(raw)
	if content == "" {
		e.sendError(c, ErrEmptyMessage.Error())
		e.opts.Metrics.Message(metrics.ResultEmpty)
		return ErrEmptyMessage
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	identity, err := e.store.FindIdentity(ctx, nickname)
	switch {
	case errors.Is(err, store.ErrIdentityNotFound):
		e.sendError(c, ErrUnknownIdentity.Error())
		e.opts.Metrics.Message(metrics.ResultRejected)
		return ErrUnknownIdentity
	case err != nil:
		return e.failSend(c, "find identity", nickname, err)
	case identity.IsMuted:
		e.sendError(c, ErrMuted.Error())
		e.opts.Metrics.Message(metrics.ResultMuted)
		slog.Debug("muted sender rejected", "nickname", nickname)
		return ErrMuted
	}

	// Stored timestamps have millisecond precision; compare at the same
	// precision so the interval boundary holds after a round trip.
	now := e.opts.Now().Truncate(time.Millisecond)
	gained := now.Sub(identity.LastMessageAt) >= e.opts.ReputationInterval
	patch := store.IdentityPatch{MessageCountDelta: 1, LastMessageAt: &now, LastActive: &now}
	if gained {
		patch.ReputationDelta = 1
	}
	updated, err := e.store.UpdateIdentity(ctx, nickname, patch)
	if err != nil {
		return e.failSend(c, "update identity", nickname, err)
	}

	if _, err := e.store.AppendMessage(ctx, store.MessageRecord{Nickname: nickname, Content: content, CreatedAt: now}); err != nil {
		return e.failSend(c, "append message", nickname, err)
	}

	e.hub.Broadcast(protocol.Event{Type: protocol.TypeChatMessage, Data: protocol.ChatMessage{
		Nickname:         nickname,
		Content:          content,
		Reputation:       updated.Reputation,
		GainedReputation: gained,
		Timestamp:        now.UnixMilli(),
	}}, nil)
	e.opts.Metrics.Message(metrics.ResultAccepted)
	slog.Debug("message accepted", "nickname", nickname, "xp", updated.Reputation, "gained", gained)
	return nil
}

func (e *Engine) failSend(c *Conn, op, nickname string, err error) error {
	logStoreErr(op, err, "nickname", nickname)
	e.sendError(c, ErrStorage.Error())
	e.opts.Metrics.Message(metrics.ResultFailed)
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
