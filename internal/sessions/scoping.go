package sessions

import (
	"sort"
	"strings"

	"github.com/haasonsaas/parley/pkg/models"
)

// DMScope constants for session scoping.
const (
	DMScopeMain           = "main"
	DMScopePerPeer        = "per-peer"
	DMScopePerChannelPeer = "per-channel-peer"
)

// DefaultAgentID is used when a gateway message names no agent.
const DefaultAgentID = "main"

// ScopeConfig holds session scoping configuration.
// This mirrors config.SessionScopeConfig to avoid import cycles.
type ScopeConfig struct {
	// DMScope controls how DM sessions are scoped:
	// - "per-channel-peer": separate session per channel+peer combination (default)
	// - "per-peer": separate session per identity-resolved peer
	// - "main": all DMs of an agent share one session
	DMScope string

	// IdentityLinks maps canonical IDs to platform-specific peer IDs.
	// Format: canonical_id -> ["provider:peer_id", "provider:peer_id", ...]
	IdentityLinks map[string][]string
}

// KeyParams identifies an external conversation.
type KeyParams struct {
	AgentID  string
	Channel  models.ChannelType
	PeerID   string
	IsGroup  bool
	ThreadID string
}

// SessionKeyBuilder builds session keys based on scoping configuration.
// Keys are pure functions of the parameters and the configuration.
type SessionKeyBuilder struct {
	cfg       ScopeConfig
	canonical map[string]string
}

// NewSessionKeyBuilder creates a new SessionKeyBuilder with the given configuration.
func NewSessionKeyBuilder(cfg ScopeConfig) *SessionKeyBuilder {
	b := &SessionKeyBuilder{cfg: cfg, canonical: map[string]string{}}

	// Resolve links in sorted order so a peer listed under two canonical ids
	// always maps to the same one.
	ids := make([]string, 0, len(cfg.IdentityLinks))
	for id := range cfg.IdentityLinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, linked := range cfg.IdentityLinks[id] {
			linked = normalizeKeyPart(linked)
			if _, exists := b.canonical[linked]; !exists {
				b.canonical[linked] = normalizeKeyPart(id)
			}
		}
	}
	return b
}

// BuildKey generates a session key:
//
//	agent:<agent>:<channel>:group:<peer>[:thread:<thread>]
//	agent:<agent>:<channel>:dm:<peer>        (per-channel-peer)
//	agent:<agent>:dm:<identity>              (per-peer)
//	agent:<agent>:main                       (main)
func (b *SessionKeyBuilder) BuildKey(p KeyParams) string {
	agentID := escapeKeyPart(normalizeKeyPart(p.AgentID))
	if agentID == "" {
		agentID = DefaultAgentID
	}
	channel := escapeKeyPart(normalizeKeyPart(string(p.Channel)))
	peerID := escapeKeyPart(strings.TrimSpace(p.PeerID))
	threadID := escapeKeyPart(strings.TrimSpace(p.ThreadID))

	prefix := "agent:" + agentID + ":"

	var key string
	if p.IsGroup {
		key = prefix + channel + ":group:" + peerID
	} else {
		switch strings.ToLower(strings.TrimSpace(b.cfg.DMScope)) {
		case DMScopeMain:
			return prefix + "main"
		case DMScopePerPeer:
			key = prefix + "dm:" + b.ResolveIdentity(string(p.Channel), p.PeerID)
		default:
			key = prefix + channel + ":dm:" + peerID
		}
	}

	if threadID != "" {
		key += ":thread:" + threadID
	}
	return key
}

// ResolveIdentity maps a platform-specific peer ID to a canonical identity if configured.
// If no identity link is found, returns the escaped channel:peerID combination.
func (b *SessionKeyBuilder) ResolveIdentity(channel, peerID string) string {
	channel = normalizeKeyPart(channel)
	peerID = strings.TrimSpace(peerID)
	if id, ok := b.canonical[strings.ToLower(channel+":"+peerID)]; ok {
		return id
	}
	return escapeKeyPart(channel) + ":" + escapeKeyPart(peerID)
}

// keyEscaper keeps ':' inside a part from being read as a separator.
var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

func escapeKeyPart(s string) string {
	return keyEscaper.Replace(s)
}

func normalizeKeyPart(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
