package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/pkg/models"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []*bot.SendMessageParams
	actions  int
	fileURL  string
	fileSize int64
	getMeErr error
	started  chan struct{}
}

func (f *fakeBot) GetMe(ctx context.Context) (*tgmodels.User, error) {
	if f.getMeErr != nil {
		return nil, f.getMeErr
	}
	return &tgmodels.User{ID: 1, IsBot: true, Username: "parley_bot"}, nil
}

func (f *fakeBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	return &tgmodels.Message{ID: len(f.sent)}, nil
}

func (f *fakeBot) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return true, nil
}

func (f *fakeBot) GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error) {
	return &tgmodels.File{
		FileID:   params.FileID,
		FilePath: "photos/" + params.FileID + ".jpg",
		FileSize: f.fileSize,
	}, nil
}

func (f *fakeBot) FileDownloadLink(file *tgmodels.File) string {
	return f.fileURL + "/" + file.FilePath
}

func (f *fakeBot) Start(ctx context.Context) {
	if f.started != nil {
		close(f.started)
	}
	<-ctx.Done()
}

func (f *fakeBot) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, p := range f.sent {
		out[i] = p.Text
	}
	return out
}

type recordingHandler struct {
	mu    sync.Mutex
	metas []channels.Metadata
	msgs  [][]channels.InboundMessage
	reply string
	err   error
}

func (h *recordingHandler) HandleInbound(ctx context.Context, meta channels.Metadata, msgs []channels.InboundMessage) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metas = append(h.metas, meta)
	h.msgs = append(h.msgs, msgs)
	return h.reply, h.err
}

func newTestConnector(t *testing.T, cfg Config, fb *fakeBot, h channels.Handler) *Connector {
	t.Helper()
	cfg.Token = "test-token"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(cfg, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.client = fb
	c.newClient = func(string, bot.HandlerFunc) (BotClient, error) { return fb, nil }
	return c
}

func textUpdate(chatID int64, group bool, text string) *tgmodels.Update {
	chat := tgmodels.Chat{ID: chatID, Type: "private"}
	if group {
		chat.Type = "supergroup"
	}
	return &tgmodels.Update{Message: &tgmodels.Message{
		ID:   10,
		Date: 1767225600,
		Text: text,
		Chat: chat,
		From: &tgmodels.User{ID: 5, FirstName: "Ada", LastName: "L"},
	}}
}

func TestConnectorForwardsAndReplies(t *testing.T) {
	fb := &fakeBot{}
	h := &recordingHandler{reply: "hello back"}
	c := newTestConnector(t, Config{AgentID: "helper"}, fb, h)

	c.onUpdate(context.Background(), nil, textUpdate(123, false, "hi"))
	c.wg.Wait()

	if len(h.metas) != 1 {
		t.Fatalf("handler called %d times", len(h.metas))
	}
	meta := h.metas[0]
	want := channels.Metadata{AgentID: "helper", Channel: models.ChannelTelegram, PeerID: "123", DisplayName: "Ada L"}
	if meta != want {
		t.Errorf("meta = %+v, want %+v", meta, want)
	}
	in := h.msgs[0][0]
	if in.Text != "hi" || in.Role != "user" || in.Timestamp != 1767225600000 {
		t.Errorf("inbound = %+v", in)
	}
	if got := fb.texts(); len(got) != 1 || got[0] != "hello back" {
		t.Errorf("sent = %q", got)
	}
	if fb.sent[0].ReplyParameters == nil || fb.sent[0].ReplyParameters.MessageID != 10 {
		t.Error("first reply should quote the inbound message")
	}
	if fb.actions != 1 {
		t.Errorf("typing actions = %d", fb.actions)
	}
}

func TestConnectorGroupThreadAndLongReply(t *testing.T) {
	fb := &fakeBot{}
	h := &recordingHandler{reply: strings.Repeat("word ", 1000)}
	c := newTestConnector(t, Config{}, fb, h)

	up := textUpdate(-100, true, "hi all")
	up.Message.MessageThreadID = 7
	c.onUpdate(context.Background(), nil, up)
	c.wg.Wait()

	meta := h.metas[0]
	if !meta.IsGroup || meta.ThreadID != "7" || meta.PeerID != "-100" {
		t.Errorf("meta = %+v", meta)
	}
	if got := fb.texts(); len(got) != 2 {
		t.Errorf("long reply sent in %d messages, want 2", len(got))
	}
	for _, p := range fb.sent {
		if p.MessageThreadID != 7 {
			t.Errorf("reply went to thread %d", p.MessageThreadID)
		}
	}
}

func TestConnectorIgnores(t *testing.T) {
	fb := &fakeBot{}
	h := &recordingHandler{reply: "x"}
	c := newTestConnector(t, Config{AllowedChats: []int64{1}}, fb, h)

	fromBot := textUpdate(1, false, "loop")
	fromBot.Message.From.IsBot = true
	for _, up := range []*tgmodels.Update{
		{},
		fromBot,
		textUpdate(2, false, "not allowed"),
		textUpdate(1, false, "   "),
	} {
		c.onUpdate(context.Background(), nil, up)
	}
	c.wg.Wait()

	if len(h.metas) != 0 || len(fb.texts()) != 0 {
		t.Errorf("expected nothing handled, got %d turns and %q", len(h.metas), fb.texts())
	}
}

func TestConnectorHandlerError(t *testing.T) {
	fb := &fakeBot{}
	c := newTestConnector(t, Config{}, fb, &recordingHandler{err: errors.New("provider down")})

	c.onUpdate(context.Background(), nil, textUpdate(9, false, "hi"))
	c.wg.Wait()

	if got := fb.texts(); len(got) != 1 || !strings.HasPrefix(got[0], "Sorry") {
		t.Errorf("sent = %q", got)
	}
}

func TestConnectorDownloadsPhoto(t *testing.T) {
	photo := []byte("\x89PNG\r\n\x1a\nrest-of-image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/photos/big.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(photo)
	}))
	defer srv.Close()

	fb := &fakeBot{fileURL: srv.URL}
	h := &recordingHandler{reply: "nice"}
	c := newTestConnector(t, Config{}, fb, h)

	up := textUpdate(3, false, "")
	up.Message.Caption = "look"
	up.Message.Photo = []tgmodels.PhotoSize{{FileID: "small"}, {FileID: "big"}}
	c.onUpdate(context.Background(), nil, up)
	c.wg.Wait()

	if len(h.msgs) != 1 {
		t.Fatalf("handler called %d times", len(h.msgs))
	}
	in := h.msgs[0][0]
	if in.Text != "look" || len(in.Images) != 1 {
		t.Fatalf("inbound = %+v", in)
	}
	if in.Images[0].Data != base64.StdEncoding.EncodeToString(photo) {
		t.Error("photo payload not forwarded")
	}
}

func TestConnectorDownloadErrorCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/photos/missing.jpg":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte("0123456789"))
		}
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		fileID   string
		fileSize int64
		want     channels.ErrorCode
	}{
		{name: "reported size over limit", fileID: "big", fileSize: 64, want: channels.ErrCodeInvalidInput},
		{name: "body over limit", fileID: "unsized", want: channels.ErrCodeInvalidInput},
		{name: "download fails", fileID: "missing", want: channels.ErrCodeConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBot{fileURL: srv.URL, fileSize: tt.fileSize}
			c := newTestConnector(t, Config{MaxImageBytes: 4}, fb, &recordingHandler{})

			_, err := c.download(context.Background(), tt.fileID)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := channels.GetErrorCode(err); got != tt.want {
				t.Errorf("code = %s, want %s (%v)", got, tt.want, err)
			}
		})
	}
}

func TestConnectorStartStop(t *testing.T) {
	fb := &fakeBot{started: make(chan struct{})}
	c := newTestConnector(t, Config{}, fb, &recordingHandler{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-fb.started
	if !c.Status().Connected {
		t.Error("should be connected after Start")
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.Status().Connected {
		t.Error("should be disconnected after Stop")
	}

	bad := newTestConnector(t, Config{}, &fakeBot{getMeErr: errors.New("401 Unauthorized")}, &recordingHandler{})
	err := bad.Start(context.Background())
	if channels.GetErrorCode(err) != channels.ErrCodeAuthentication {
		t.Errorf("Start error = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if _, err := New(Config{}, &recordingHandler{}); err == nil {
		t.Error("expected error for missing token")
	}
	if _, err := New(Config{Token: "x"}, nil); err == nil {
		t.Error("expected error for missing handler")
	}
}
