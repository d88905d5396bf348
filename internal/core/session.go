package core

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"dicochat/server/internal/metrics"
	"dicochat/server/internal/protocol"
	"dicochat/server/internal/store"

	"github.com/samber/lo"
)

// Join admits c under nickname. The registry check comes before any durable
// write or broadcast; a rejected join touches nothing and leaves c open for
// another attempt.
func (e *Engine) Join(ctx context.Context, c *Conn, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" || strings.EqualFold(nickname, store.SystemNickname) {
		e.sendError(c, ErrInvalidNickname.Error())
		return ErrInvalidNickname
	}
	if c.Nickname() != "" {
		e.sendError(c, ErrAlreadyJoined.Error())
		return ErrAlreadyJoined
	}
	if !e.presence.TryRegister(nickname, c) {
		e.sendError(c, ErrNicknameTaken.Error())
		e.opts.Metrics.Join(metrics.ResultRejected)
		slog.Info("join rejected", "nickname", nickname, "conn_id", c.ID)
		return ErrNicknameTaken
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	now := e.opts.Now()
	online := true
	var joinErr error
	identity, err := e.store.UpsertIdentity(ctx, nickname, store.IdentityPatch{IsOnline: &online, LastActive: &now})
	if err != nil {
		logStoreErr("upsert identity", err, "nickname", nickname)
		e.sendError(c, ErrStorage.Error())
		identity = store.Identity{Nickname: nickname}
		joinErr = fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if err := e.store.AppendActivity(ctx, store.ActivityRecord{Nickname: nickname, Action: store.ActionJoin, CreatedAt: now}); err != nil {
		logStoreErr("append activity", err, "nickname", nickname, "action", store.ActionJoin)
	}

	e.broadcastCount()
	e.hub.SendTo(c, protocol.Event{Type: protocol.TypeHistory, Data: e.history(ctx)})
	e.hub.Broadcast(protocol.Event{Type: protocol.TypeUserJoined, Data: nickname}, c)
	e.hub.SendTo(c, protocol.Event{Type: protocol.TypeInitReputation, Data: identity.Reputation})
	e.notifyAdmins()

	if joinErr != nil {
		e.opts.Metrics.Join(metrics.ResultFailed)
	} else {
		e.opts.Metrics.Join(metrics.ResultAccepted)
	}
	slog.Info("participant joined", "nickname", nickname, "conn_id", c.ID, "online", e.presence.Count())
	return joinErr
}

// history returns the most recent messages in chronological order.
func (e *Engine) history(ctx context.Context) []protocol.HistoryMessage {
	recs, err := e.store.RecentMessages(ctx, e.opts.HistoryLimit)
	if err != nil {
		logStoreErr("recent messages", err)
		return []protocol.HistoryMessage{}
	}
	if len(recs) > e.opts.HistoryLimit {
		recs = recs[:e.opts.HistoryLimit]
	}
	out := lo.Map(recs, func(m store.MessageRecord, _ int) protocol.HistoryMessage {
		return protocol.HistoryMessage{
			Nickname:  m.Nickname,
			Content:   m.Content,
			IsSystem:  m.IsSystem,
			Timestamp: m.CreatedAt.UnixMilli(),
		}
	})
	slices.Reverse(out)
	return out
}

// Leave runs the departure flow for c. It is a no-op if c never joined or
// has already left, so a handle leaves at most once.
func (e *Engine) Leave(ctx context.Context, c *Conn) {
	nickname := c.Nickname()
	if nickname == "" {
		return
	}
	if !e.presence.Release(nickname, c) {
		return
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	now := e.opts.Now()
	offline := false
	if _, err := e.store.UpdateIdentity(ctx, nickname, store.IdentityPatch{IsOnline: &offline, LastActive: &now}); err != nil {
		logStoreErr("update identity", err, "nickname", nickname)
	}
	if err := e.store.AppendActivity(ctx, store.ActivityRecord{Nickname: nickname, Action: store.ActionLeave, CreatedAt: now}); err != nil {
		logStoreErr("append activity", err, "nickname", nickname, "action", store.ActionLeave)
	}

	e.broadcastCount()
	e.hub.Broadcast(protocol.Event{Type: protocol.TypeUserLeft, Data: nickname}, nil)
	e.notifyAdmins()
	e.opts.Metrics.Leave()

	slog.Info("participant left", "nickname", nickname, "conn_id", c.ID, "online", e.presence.Count())
}
