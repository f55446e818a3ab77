package models

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ChannelType identifies the external messaging channel a gateway session
// belongs to.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelAPI      ChannelType = "api"
)

// TitleMaxRunes bounds derived session titles.
const TitleMaxRunes = 50

// GatewayMetadata identifies the external conversation behind a gateway
// session.
type GatewayMetadata struct {
	Channel     ChannelType `json:"channel"`
	PeerID      string      `json:"peerId"`
	DisplayName string      `json:"displayName,omitempty"`
	IsGroup     bool        `json:"isGroup"`
	AgentID     string      `json:"agentId"`
	SessionKey  string      `json:"sessionKey"`
	ThreadID    string      `json:"threadId,omitempty"`
}

// Session is a persisted conversation record.
type Session struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	MessageCount int              `json:"messageCount"`
	Messages     []*Message       `json:"messages"`
	Metadata     *GatewayMetadata `json:"metadata,omitempty"`
}

// SessionMeta is the listing view of a session.
type SessionMeta struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	MessageCount int              `json:"messageCount"`
	Metadata     *GatewayMetadata `json:"metadata,omitempty"`
}

// Meta returns the listing view of s.
func (s *Session) Meta() *SessionMeta {
	meta := &SessionMeta{
		ID:           s.ID,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: s.MessageCount,
	}
	if s.Metadata != nil {
		md := *s.Metadata
		meta.Metadata = &md
	}
	return meta
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Messages = CloneMessages(s.Messages)
	if s.Metadata != nil {
		md := *s.Metadata
		clone.Metadata = &md
	}
	return &clone
}

// SetMessages replaces the history and refreshes the derived fields. The
// title is only derived while it is still empty.
//
// MessageCount never decreases: messages that repair removed from the
// history stay counted, and every message with an unseen id adds one.
func (s *Session) SetMessages(msgs []*Message, now time.Time) {
	seen := make(map[string]struct{}, len(s.Messages))
	for _, m := range s.Messages {
		if m != nil && m.ID != "" {
			seen[m.ID] = struct{}{}
		}
	}
	added := 0
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		if _, ok := seen[m.ID]; !ok {
			added++
		}
	}
	s.MessageCount = max(len(msgs), s.MessageCount+added)
	s.Messages = msgs
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Title == "" {
		s.Title = DeriveTitle(msgs)
	}
}

// DeriveTitle builds a title from the first user message with visible text.
func DeriveTitle(msgs []*Message) string {
	for _, m := range msgs {
		if m == nil || m.Role != RoleUser {
			continue
		}
		text := collapseSpace(norm.NFC.String(m.Text()))
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) <= TitleMaxRunes {
			return text
		}
		return strings.TrimRightFunc(string(runes[:TitleMaxRunes]), unicode.IsSpace) + "..."
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
