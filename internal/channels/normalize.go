package channels

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

// MaxImageBytes bounds a decoded inline image.
const MaxImageBytes = 20 << 20

// Normalizer converts inbound channel messages into conversation messages
// and derives the session key for their conversation.
type Normalizer struct {
	keys *sessions.SessionKeyBuilder
	now  func() time.Time
}

// NewNormalizer creates a normalizer whose session keys follow scope.
func NewNormalizer(scope sessions.ScopeConfig) *Normalizer {
	return &Normalizer{keys: sessions.NewSessionKeyBuilder(scope), now: time.Now}
}

var defaultKeys = sessions.NewSessionKeyBuilder(sessions.ScopeConfig{})

// DeriveSessionKey returns the session key for meta under the default
// per-channel-peer scoping. The same metadata always yields the same key.
func DeriveSessionKey(meta Metadata) string {
	return defaultKeys.BuildKey(keyParams(meta))
}

// SessionKey returns the session key for meta under the normalizer's
// scoping.
func (n *Normalizer) SessionKey(meta Metadata) string {
	return n.keys.BuildKey(keyParams(meta))
}

func keyParams(meta Metadata) sessions.KeyParams {
	return sessions.KeyParams{
		AgentID:  meta.AgentID,
		Channel:  meta.Channel,
		PeerID:   meta.PeerID,
		IsGroup:  meta.IsGroup,
		ThreadID: meta.ThreadID,
	}
}

// GatewayMetadata returns the session metadata recorded for meta.
func (n *Normalizer) GatewayMetadata(meta Metadata) *models.GatewayMetadata {
	agentID := strings.ToLower(strings.TrimSpace(meta.AgentID))
	if agentID == "" {
		agentID = sessions.DefaultAgentID
	}
	return &models.GatewayMetadata{
		Channel:     models.ChannelType(strings.ToLower(strings.TrimSpace(string(meta.Channel)))),
		PeerID:      strings.TrimSpace(meta.PeerID),
		DisplayName: meta.DisplayName,
		IsGroup:     meta.IsGroup,
		AgentID:     agentID,
		SessionKey:  n.SessionKey(meta),
		ThreadID:    strings.TrimSpace(meta.ThreadID),
	}
}

// ValidateMetadata checks the fields a session key is built from.
func ValidateMetadata(meta Metadata) error {
	if strings.TrimSpace(string(meta.Channel)) == "" {
		return &agent.ValidationError{Field: "channel", Message: "is required"}
	}
	if strings.TrimSpace(meta.PeerID) == "" {
		return &agent.ValidationError{Field: "peerId", Message: "is required"}
	}
	return nil
}

// Normalize converts inbound messages to conversation messages. Text
// becomes a text part and each image a file part. Messages with neither
// are dropped.
func (n *Normalizer) Normalize(inbound []InboundMessage, meta Metadata) ([]*models.Message, error) {
	out := make([]*models.Message, 0, len(inbound))
	for i, in := range inbound {
		role, err := inboundRole(in.Role)
		if err != nil {
			return nil, &agent.ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Message: err.Error()}
		}

		msg := &models.Message{
			ID:        uuid.NewString(),
			Role:      role,
			CreatedAt: n.now().UTC(),
		}
		if in.Timestamp > 0 {
			msg.CreatedAt = time.UnixMilli(in.Timestamp).UTC()
		}
		if text := strings.TrimSpace(in.Text); text != "" {
			msg.Parts = append(msg.Parts, models.TextPart(in.Text))
		}
		for j, img := range in.Images {
			part, err := NormalizeImage(img)
			if err != nil {
				return nil, &agent.ValidationError{Field: fmt.Sprintf("messages[%d].images[%d]", i, j), Message: err.Error()}
			}
			msg.Parts = append(msg.Parts, part)
		}
		if len(msg.Parts) == 0 {
			continue
		}
		if role == models.RoleUser && meta.DisplayName != "" {
			msg.Metadata = map[string]any{"sender": meta.DisplayName}
		}
		out = append(out, msg)
	}
	return out, nil
}

func inboundRole(role string) (models.Role, error) {
	switch models.Role(strings.ToLower(strings.TrimSpace(role))) {
	case "", models.RoleUser:
		return models.RoleUser, nil
	case models.RoleAssistant:
		return models.RoleAssistant, nil
	}
	return "", fmt.Errorf("unsupported role %q", role)
}

// NormalizeImage converts an image input to a file part. URLs are kept as
// references; inline payloads are decoded, typed and re-encoded as a data
// URI.
func NormalizeImage(img ImageInput) (models.Part, error) {
	if u := strings.TrimSpace(img.URL); u != "" {
		lower := strings.ToLower(u)
		switch {
		case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
			return models.FilePart(DetectMediaType(img.MediaType, nil, u), u), nil
		case strings.HasPrefix(lower, "data:"):
			return inlineImage(u, img.MediaType)
		}
		return models.Part{}, fmt.Errorf("unsupported image url scheme")
	}
	if strings.TrimSpace(img.Data) == "" {
		return models.Part{}, fmt.Errorf("image has neither url nor data")
	}
	return inlineImage(img.Data, img.MediaType)
}

func inlineImage(payload, declared string) (models.Part, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(strings.ToLower(payload), "data:") {
		header, body, ok := strings.Cut(payload[len("data:"):], ",")
		if !ok {
			return models.Part{}, fmt.Errorf("malformed data uri")
		}
		params := strings.Split(header, ";")
		if specificMediaType(declared) == "" {
			declared = params[0]
		}
		if !hasBase64Param(params[1:]) {
			return models.Part{}, fmt.Errorf("data uri must be base64 encoded")
		}
		payload = body
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return models.Part{}, err
	}
	if len(data) == 0 {
		return models.Part{}, fmt.Errorf("image payload is empty")
	}
	if len(data) > MaxImageBytes {
		return models.Part{}, fmt.Errorf("image exceeds %d bytes", MaxImageBytes)
	}
	mediaType := DetectMediaType(declared, data, "")
	return models.FilePart(mediaType, "data:"+mediaType+";base64,"+base64.StdEncoding.EncodeToString(data)), nil
}

func hasBase64Param(params []string) bool {
	for _, p := range params {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			return true
		}
	}
	return false
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if data, err := enc.DecodeString(s); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("image data is not valid base64")
}
