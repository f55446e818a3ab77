package channels

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeBareBase64PNG(t *testing.T) {
	n := NewNormalizer(sessions.ScopeConfig{})
	payload := base64.StdEncoding.EncodeToString(pngBytes(t))

	msgs, err := n.Normalize([]InboundMessage{{
		Role:   "user",
		Text:   "what is this?",
		Images: []ImageInput{{Data: payload}},
	}}, Metadata{Channel: models.ChannelTelegram, PeerID: "123"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	files := msgs[0].PartsOf(models.PartFile)
	if len(files) != 1 {
		t.Fatalf("got %d file parts", len(files))
	}
	if files[0].MediaType != "image/png" {
		t.Errorf("MediaType = %q, want image/png", files[0].MediaType)
	}
	if !strings.HasPrefix(files[0].Data, "data:image/png;base64,") {
		t.Errorf("Data = %.40q", files[0].Data)
	}
	if msgs[0].Text() != "what is this?" {
		t.Errorf("Text = %q", msgs[0].Text())
	}
}

func TestNormalizeImageEncodings(t *testing.T) {
	raw := pngBytes(t)
	tests := []struct {
		name     string
		img      ImageInput
		wantType string
		wantData string
		wantErr  bool
	}{
		{
			name:     "url kept as reference",
			img:      ImageInput{URL: "https://cdn.example.com/a/photo.JPG?sig=1"},
			wantType: "image/jpeg",
			wantData: "https://cdn.example.com/a/photo.JPG?sig=1",
		},
		{
			name:     "url with declared type",
			img:      ImageInput{URL: "https://example.com/blob", MediaType: "image/webp"},
			wantType: "image/webp",
			wantData: "https://example.com/blob",
		},
		{
			name:     "url without extension",
			img:      ImageInput{URL: "https://example.com/blob"},
			wantType: DefaultMediaType,
			wantData: "https://example.com/blob",
		},
		{
			name:     "data uri with wildcard type is sniffed",
			img:      ImageInput{Data: "data:image/*;base64," + base64.StdEncoding.EncodeToString(raw)},
			wantType: "image/png",
		},
		{
			name:     "data uri in url field",
			img:      ImageInput{URL: "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(raw)},
			wantType: "image/png",
		},
		{
			name:     "url-safe unpadded",
			img:      ImageInput{Data: base64.RawURLEncoding.EncodeToString(raw)},
			wantType: "image/png",
		},
		{
			name:     "declared specific type wins",
			img:      ImageInput{Data: base64.StdEncoding.EncodeToString(raw), MediaType: "image/x-custom"},
			wantType: "image/x-custom",
		},
		{
			name:     "unknown bytes fall back",
			img:      ImageInput{Data: base64.StdEncoding.EncodeToString([]byte{0x00, 0x01, 0x02, 0x03})},
			wantType: DefaultMediaType,
		},
		{name: "not base64", img: ImageInput{Data: "!!!"}, wantErr: true},
		{name: "empty", img: ImageInput{}, wantErr: true},
		{name: "ftp url", img: ImageInput{URL: "ftp://example.com/a.png"}, wantErr: true},
		{name: "data uri without base64", img: ImageInput{Data: "data:image/png,abc"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			part, err := NormalizeImage(tt.img)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", part)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeImage: %v", err)
			}
			if part.Type != models.PartFile || part.MediaType != tt.wantType {
				t.Errorf("part = %s %q, want file %q", part.Type, part.MediaType, tt.wantType)
			}
			if tt.wantData != "" && part.Data != tt.wantData {
				t.Errorf("Data = %q, want %q", part.Data, tt.wantData)
			}
		})
	}
}

func TestNormalizeMessages(t *testing.T) {
	n := NewNormalizer(sessions.ScopeConfig{})
	ts := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	msgs, err := n.Normalize([]InboundMessage{
		{Role: "", Text: "hi", Timestamp: ts.UnixMilli()},
		{Role: "assistant", Text: "hello"},
		{Role: "user", Text: "   "},
	}, Metadata{Channel: models.ChannelDiscord, PeerID: "42", DisplayName: "Sam"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want blank one dropped", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || !msgs[0].CreatedAt.Equal(ts) {
		t.Errorf("first message = %s at %v", msgs[0].Role, msgs[0].CreatedAt)
	}
	if msgs[0].Metadata["sender"] != "Sam" {
		t.Errorf("sender metadata = %v", msgs[0].Metadata)
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Metadata != nil {
		t.Errorf("second message = %+v", msgs[1])
	}
	if msgs[0].ID == "" || msgs[0].ID == msgs[1].ID {
		t.Error("messages need distinct ids")
	}

	_, err = n.Normalize([]InboundMessage{{Role: "tool", Text: "x"}}, Metadata{})
	var verr *agent.ValidationError
	if !errors.As(err, &verr) || verr.Field != "messages[0].role" {
		t.Errorf("expected role validation error, got %v", err)
	}
}

func TestDeriveSessionKey(t *testing.T) {
	meta := Metadata{Channel: models.ChannelTelegram, PeerID: "123"}
	first := DeriveSessionKey(meta)
	if first != "agent:main:telegram:dm:123" {
		t.Errorf("key = %q", first)
	}
	if again := DeriveSessionKey(meta); again != first {
		t.Errorf("key not stable: %q vs %q", again, first)
	}

	variants := []Metadata{
		{Channel: models.ChannelTelegram, PeerID: "124"},
		{Channel: models.ChannelDiscord, PeerID: "123"},
		{Channel: models.ChannelTelegram, PeerID: "123", IsGroup: true},
		{Channel: models.ChannelTelegram, PeerID: "123", AgentID: "helper"},
		{Channel: models.ChannelTelegram, PeerID: "123", ThreadID: "7"},
	}
	for _, v := range variants {
		if got := DeriveSessionKey(v); got == first {
			t.Errorf("%+v should not share key %q", v, first)
		}
	}

	if got := DeriveSessionKey(Metadata{AgentID: " Main ", Channel: "Telegram", PeerID: " 123 "}); got != first {
		t.Errorf("normalized key = %q, want %q", got, first)
	}
}

func TestNormalizerScopedKeys(t *testing.T) {
	n := NewNormalizer(sessions.ScopeConfig{
		DMScope:       sessions.DMScopePerPeer,
		IdentityLinks: map[string][]string{"alice": {"telegram:1", "discord:9"}},
	})
	tg := n.SessionKey(Metadata{Channel: models.ChannelTelegram, PeerID: "1"})
	dc := n.SessionKey(Metadata{Channel: models.ChannelDiscord, PeerID: "9"})
	if tg != "agent:main:dm:alice" || dc != tg {
		t.Errorf("linked keys = %q, %q", tg, dc)
	}

	meta := n.GatewayMetadata(Metadata{Channel: "Telegram", PeerID: "1", DisplayName: "Alice"})
	if meta.AgentID != "main" || meta.Channel != models.ChannelTelegram || meta.SessionKey != tg || meta.DisplayName != "Alice" {
		t.Errorf("GatewayMetadata = %+v", meta)
	}
}

func TestValidateMetadata(t *testing.T) {
	if err := ValidateMetadata(Metadata{Channel: models.ChannelTelegram, PeerID: "1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateMetadata(Metadata{PeerID: "1"}); err == nil {
		t.Error("expected error for missing channel")
	}
	if err := ValidateMetadata(Metadata{Channel: models.ChannelTelegram}); err == nil {
		t.Error("expected error for missing peer")
	}
}
