// Package telegram connects a Telegram bot to the gateway.
package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/pkg/models"
)

// MaxMessageRunes is Telegram's limit on a text message.
const MaxMessageRunes = 4096

// Config configures the Telegram connector.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// AgentID selects the agent whose sessions this bot feeds.
	AgentID string

	// AllowedChats restricts the bot to these chat ids when non-empty.
	AllowedChats []int64

	// HandlerTimeout bounds one turn. Default: 5 minutes
	HandlerTimeout time.Duration

	// MaxImageBytes bounds a downloaded photo. Default: channels.MaxImageBytes
	MaxImageBytes int64

	// RateLimit is sends per second, RateBurst the burst size.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return channels.ErrConfig("telegram token is required", nil)
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Minute
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = channels.MaxImageBytes
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 30
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Connector long-polls Telegram and answers each message through a
// channels.Handler.
type Connector struct {
	config  Config
	handler channels.Handler
	limiter *channels.RateLimiter
	logger  *slog.Logger
	http    *http.Client

	newClient func(token string, handler bot.HandlerFunc) (BotClient, error)
	client    BotClient

	mu       sync.RWMutex
	status   channels.Status
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	chatMu   sync.Mutex
	chatLock map[int64]*sync.Mutex
}

// New creates a connector. It does not contact Telegram until Start.
func New(config Config, handler channels.Handler) (*Connector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, channels.ErrConfig("telegram connector needs a handler", nil)
	}
	return &Connector{
		config:    config,
		handler:   handler,
		limiter:   channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		logger:    config.Logger.With("component", "telegram"),
		http:      &http.Client{Timeout: time.Minute},
		newClient: newBotClient,
		chatLock:  make(map[int64]*sync.Mutex),
	}, nil
}

func (c *Connector) Type() models.ChannelType { return models.ChannelTelegram }

func (c *Connector) Status() channels.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Start authenticates the bot and begins long polling.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return channels.ErrInternal("telegram connector already started", nil)
	}

	client, err := c.newClient(c.config.Token, c.onUpdate)
	if err != nil {
		c.status.Error = err.Error()
		return channels.ErrAuthentication("create telegram bot", err)
	}
	me, err := client.GetMe(ctx)
	if err != nil {
		c.status.Error = err.Error()
		return channels.ErrAuthentication("verify telegram token", err)
	}
	c.client = client

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.status = channels.Status{Connected: true, LastEvent: time.Now()}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		client.Start(runCtx)
	}()

	c.logger.Info("telegram connector started", "bot", me.Username)
	return nil
}

// Stop ends polling and waits for running turns until ctx is done.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.status.Connected = false
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("telegram connector stopped")
		return nil
	case <-ctx.Done():
		return channels.ErrConnection("telegram stop timed out", ctx.Err())
	}
}

// onUpdate receives every update from the bot. Turns run in their own
// goroutine, one at a time per chat.
func (c *Connector) onUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || (msg.From != nil && msg.From.IsBot) {
		return
	}
	if !c.allowed(msg.Chat.ID) {
		c.logger.Debug("ignoring message from chat not in allowlist", "chat_id", msg.Chat.ID)
		return
	}

	c.mu.Lock()
	c.status.LastEvent = time.Now()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		lock := c.lockFor(msg.Chat.ID)
		lock.Lock()
		defer lock.Unlock()
		c.handle(context.WithoutCancel(ctx), msg)
	}()
}

func (c *Connector) handle(ctx context.Context, msg *tgmodels.Message) {
	ctx, cancel := context.WithTimeout(ctx, c.config.HandlerTimeout)
	defer cancel()

	meta := Metadata(c.config.AgentID, msg)
	inbound := channels.InboundMessage{
		Role:      string(models.RoleUser),
		Text:      firstNonEmpty(msg.Text, msg.Caption),
		Timestamp: int64(msg.Date) * 1000,
	}
	if img, ok := c.image(ctx, msg); ok {
		inbound.Images = append(inbound.Images, img)
	}
	if strings.TrimSpace(inbound.Text) == "" && len(inbound.Images) == 0 {
		return
	}

	_, _ = c.client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID:          msg.Chat.ID,
		MessageThreadID: msg.MessageThreadID,
		Action:          tgmodels.ChatActionTyping,
	})

	reply, err := c.handler.HandleInbound(ctx, meta, []channels.InboundMessage{inbound})
	if err != nil {
		c.logger.Error("turn failed", "chat_id", msg.Chat.ID, "error", err)
		reply = "Sorry, I couldn't process that message."
	}
	if err := c.reply(ctx, msg, reply); err != nil {
		c.logger.Error("failed to send reply", "chat_id", msg.Chat.ID, "error", err)
	}
}

// Metadata describes the conversation msg belongs to.
func Metadata(agentID string, msg *tgmodels.Message) channels.Metadata {
	meta := channels.Metadata{
		AgentID: agentID,
		Channel: models.ChannelTelegram,
		PeerID:  strconv.FormatInt(msg.Chat.ID, 10),
		IsGroup: string(msg.Chat.Type) != "private",
	}
	if msg.MessageThreadID != 0 {
		meta.ThreadID = strconv.Itoa(msg.MessageThreadID)
	}
	if msg.From != nil {
		meta.DisplayName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if meta.DisplayName == "" {
			meta.DisplayName = msg.From.Username
		}
	}
	return meta
}

func (c *Connector) reply(ctx context.Context, msg *tgmodels.Message, text string) error {
	chunks := channels.SplitReply(text, MaxMessageRunes)
	for i, chunk := range chunks {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		params := &bot.SendMessageParams{
			ChatID:          msg.Chat.ID,
			MessageThreadID: msg.MessageThreadID,
			Text:            chunk,
		}
		if i == 0 {
			params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: msg.ID}
		}
		if _, err := c.client.SendMessage(ctx, params); err != nil {
			if strings.Contains(err.Error(), "Too Many Requests") {
				return channels.ErrRateLimit("telegram send", err)
			}
			return channels.ErrConnection("telegram send", err)
		}
	}
	return nil
}

// image downloads the largest photo or an image document attached to msg.
// Failures are logged and the message is handled as text only.
func (c *Connector) image(ctx context.Context, msg *tgmodels.Message) (channels.ImageInput, bool) {
	var fileID, mediaType string
	switch {
	case len(msg.Photo) > 0:
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		fileID, mediaType = msg.Document.FileID, msg.Document.MimeType
	default:
		return channels.ImageInput{}, false
	}

	data, err := c.download(ctx, fileID)
	if err != nil {
		c.logger.Warn("failed to download image",
			"chat_id", msg.Chat.ID,
			"code", channels.GetErrorCode(err),
			"error", err,
		)
		return channels.ImageInput{}, false
	}
	return channels.ImageInput{Data: base64.StdEncoding.EncodeToString(data), MediaType: mediaType}, true
}

func (c *Connector) download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, channels.ErrConnection("get file", err)
	}
	if size := int64(file.FileSize); size > c.config.MaxImageBytes {
		return nil, channels.ErrInvalidInput(fmt.Sprintf("file is %d bytes, limit %d", size, c.config.MaxImageBytes), nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.client.FileDownloadLink(file), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, channels.ErrConnection("download file", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, channels.ErrConnection(fmt.Sprintf("download file: HTTP %d", resp.StatusCode), nil)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxImageBytes+1))
	if err != nil {
		return nil, channels.ErrConnection("download file", err)
	}
	if int64(len(data)) > c.config.MaxImageBytes {
		return nil, channels.ErrInvalidInput(fmt.Sprintf("file exceeds %d bytes", c.config.MaxImageBytes), nil)
	}
	return data, nil
}

func (c *Connector) allowed(chatID int64) bool {
	if len(c.config.AllowedChats) == 0 {
		return true
	}
	for _, id := range c.config.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

func (c *Connector) lockFor(chatID int64) *sync.Mutex {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()
	l, ok := c.chatLock[chatID]
	if !ok {
		l = &sync.Mutex{}
		c.chatLock[chatID] = l
	}
	return l
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ channels.Connector = (*Connector)(nil)
