package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LoadConversations fetches the user's conversation list and replaces the
// local copy. Unread counters of already known conversations are kept.
func (s *Session) LoadConversations(ctx context.Context) ([]Conversation, error) {
	list, err := s.gateway.FetchConversations(ctx, s.userID)
	if err != nil {
		err = newSyncError(KindTransport, "fetch_conversations", "", err)
		s.reportError(err)
		return nil, err
	}

	s.mu.Lock()
	next := make(map[string]*Conversation, len(list))
	for _, c := range list {
		if c.OtherUserID == "" {
			c.OtherUserID = c.Other(s.userID)
		}
		if old := s.conversations[c.ID]; old != nil {
			c.UnreadCount = old.UnreadCount
		}
		next[c.ID] = &c
	}
	s.conversations = next
	s.mu.Unlock()

	s.log.Debug("conversations loaded", zap.Int("count", len(list)))
	s.emitter.emit(Change{Kind: ChangeConversations})
	return s.Conversations(), nil
}

// Conversations returns the known conversations, most recently updated first.
func (s *Session) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns one known conversation.
func (s *Session) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.conversations[id]
	if c == nil {
		return Conversation{}, false
	}
	return *c, true
}

// StartConversation returns the active conversation with otherUserID,
// creating it when none exists. Concurrent calls for the same user share a
// single creation request.
func (s *Session) StartConversation(ctx context.Context, otherUserID string) (Conversation, error) {
	if otherUserID == "" || otherUserID == s.userID {
		return Conversation{}, fmt.Errorf("%w: invalid participant %q", ErrInvalidMessage, otherUserID)
	}
	if c, ok := s.findWith(otherUserID); ok {
		return c, nil
	}

	ch := s.creates.DoChan(otherUserID, func() (any, error) {
		if c, ok := s.findWith(otherUserID); ok {
			return c, nil
		}
		cctx, cancel := context.WithTimeout(context.Background(), s.opts.CreateConversationTimeout)
		defer cancel()

		created, err := s.gateway.CreateConversation(cctx, s.userID, otherUserID)
		if err != nil {
			return Conversation{}, newSyncError(KindWrite, "create_conversation", "", err)
		}
		if created == nil || created.ID == "" {
			return Conversation{}, newSyncError(KindProtocol, "create_conversation", "", errors.New("empty conversation"))
		}
		c := *created
		if c.OtherUserID == "" {
			c.OtherUserID = otherUserID
		}
		s.mu.Lock()
		if old := s.conversations[c.ID]; old != nil {
			c.UnreadCount = old.UnreadCount
		}
		s.conversations[c.ID] = &c
		s.mu.Unlock()

		s.log.Info("conversation created", zap.String("conversation_id", c.ID), zap.String("other_user_id", otherUserID))
		s.emitter.emit(Change{Kind: ChangeConversations, ConversationID: c.ID})
		return c, nil
	})

	select {
	case <-ctx.Done():
		return Conversation{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			s.reportError(res.Err)
			return Conversation{}, res.Err
		}
		return res.Val.(Conversation), nil
	}
}

func (s *Session) findWith(otherUserID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.IsActive && c.Has(otherUserID) && c.Has(s.userID) {
			return *c, true
		}
	}
	return Conversation{}, false
}

// OpenAll opens every known active conversation concurrently. Conversations
// that are already open are skipped.
func (s *Session) OpenAll(ctx context.Context) error {
	s.mu.RLock()
	var ids []string
	for id, c := range s.conversations {
		if _, open := s.chats[id]; c.IsActive && !open {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.StatusWriteConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := s.OpenChat(gctx, id)
			if errors.Is(err, ErrAlreadyOpen) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
