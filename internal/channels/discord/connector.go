// Package discord connects a Discord bot to the gateway.
package discord

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/pkg/models"
)

// MaxMessageRunes is Discord's limit on message content.
const MaxMessageRunes = 2000

// discordSession is the subset of *discordgo.Session the connector uses.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// Config configures the Discord connector.
type Config struct {
	// Token is the bot token from the Discord developer portal.
	Token string

	AgentID string

	// RespondInGuilds answers every guild message instead of only those
	// that mention the bot.
	RespondInGuilds bool

	// AllowedGuilds restricts guild traffic when non-empty. Direct messages
	// are always accepted.
	AllowedGuilds []string

	// HandlerTimeout bounds one turn. Default: 5 minutes
	HandlerTimeout time.Duration

	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return channels.ErrConfig("discord token is required", nil)
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Minute
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Connector listens on the Discord gateway and answers messages through a
// channels.Handler.
type Connector struct {
	config  Config
	handler channels.Handler
	limiter *channels.RateLimiter
	logger  *slog.Logger

	newSession func(token string) (discordSession, error)
	session    discordSession

	mu       sync.RWMutex
	status   channels.Status
	botID    string
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	removers []func()
	wg       sync.WaitGroup
	chanMu   sync.Mutex
	chanLock map[string]*sync.Mutex
}

// New creates a connector. It does not connect until Start.
func New(config Config, handler channels.Handler) (*Connector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, channels.ErrConfig("discord connector needs a handler", nil)
	}
	return &Connector{
		config:     config,
		handler:    handler,
		limiter:    channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		logger:     config.Logger.With("component", "discord"),
		newSession: newSession,
		chanLock:   make(map[string]*sync.Mutex),
	}, nil
}

func newSession(token string) (discordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	return s, nil
}

func (c *Connector) Type() models.ChannelType { return models.ChannelDiscord }

func (c *Connector) Status() channels.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Start opens the gateway connection.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return channels.ErrInternal("discord connector already started", nil)
	}

	s, err := c.newSession(c.config.Token)
	if err != nil {
		return channels.ErrAuthentication("create discord session", err)
	}
	c.removers = []func(){
		s.AddHandler(c.onReady),
		s.AddHandler(c.onMessageCreate),
		s.AddHandler(c.onDisconnect),
	}
	if err := s.Open(); err != nil {
		for _, remove := range c.removers {
			remove()
		}
		c.status.Error = err.Error()
		return channels.ErrConnection("open discord gateway", err)
	}

	c.session = s
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.running = true
	c.status = channels.Status{Connected: true, LastEvent: time.Now()}
	c.logger.Info("discord connector started")
	return nil
}

// Stop closes the connection and waits for running turns until ctx is
// done.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.status.Connected = false
	for _, remove := range c.removers {
		remove()
	}
	c.removers = nil
	session := c.session
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	var stopErr error
	select {
	case <-done:
	case <-ctx.Done():
		c.cancel()
		stopErr = channels.ErrConnection("discord stop timed out", ctx.Err())
	}
	c.cancel()

	if err := session.Close(); err != nil && stopErr == nil {
		stopErr = channels.ErrConnection("close discord session", err)
	}
	c.logger.Info("discord connector stopped")
	return stopErr
}

func (c *Connector) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.User != nil {
		c.botID = r.User.ID
	}
	c.status.Connected = true
	c.status.Error = ""
	c.status.LastEvent = time.Now()
}

// onDisconnect only records state; discordgo reconnects on its own.
func (c *Connector) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Connected = false
	c.status.Error = "disconnected from discord"
	c.logger.Warn("disconnected from discord")
}

func (c *Connector) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.status.LastEvent = time.Now()
	text, ok := c.accept(m.Message, c.botID)
	if !ok {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		lock := c.lockFor(m.ChannelID)
		lock.Lock()
		defer lock.Unlock()
		c.handle(ctx, m.Message, text)
	}()
}

// accept decides whether to answer m and returns its text with the bot
// mention removed.
func (c *Connector) accept(m *discordgo.Message, botID string) (string, bool) {
	text := m.Content
	if m.GuildID == "" {
		return text, true
	}
	if len(c.config.AllowedGuilds) > 0 && !contains(c.config.AllowedGuilds, m.GuildID) {
		return "", false
	}
	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && botID != "" && u.ID == botID {
			mentioned = true
		}
	}
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(text), mentioned || c.config.RespondInGuilds
}

func (c *Connector) handle(ctx context.Context, m *discordgo.Message, text string) {
	ctx, cancel := context.WithTimeout(ctx, c.config.HandlerTimeout)
	defer cancel()

	inbound := channels.InboundMessage{Role: string(models.RoleUser), Text: text}
	if !m.Timestamp.IsZero() {
		inbound.Timestamp = m.Timestamp.UnixMilli()
	}
	for _, att := range m.Attachments {
		if att != nil && strings.HasPrefix(att.ContentType, "image/") {
			inbound.Images = append(inbound.Images, channels.ImageInput{URL: att.URL, MediaType: att.ContentType})
		}
	}
	if strings.TrimSpace(inbound.Text) == "" && len(inbound.Images) == 0 {
		return
	}

	_ = c.session.ChannelTyping(m.ChannelID)

	reply, err := c.handler.HandleInbound(ctx, Metadata(c.config.AgentID, m), []channels.InboundMessage{inbound})
	if err != nil {
		c.logger.Error("turn failed", "channel_id", m.ChannelID, "error", err)
		reply = "Sorry, I couldn't process that message."
	}
	if err := c.reply(ctx, m, reply); err != nil {
		c.logger.Error("failed to send reply", "channel_id", m.ChannelID, "error", err)
	}
}

// Metadata describes the conversation m belongs to. Guild channels and
// threads are both addressed by their channel id.
func Metadata(agentID string, m *discordgo.Message) channels.Metadata {
	meta := channels.Metadata{
		AgentID: agentID,
		Channel: models.ChannelDiscord,
		PeerID:  m.ChannelID,
		IsGroup: m.GuildID != "",
	}
	if m.Author != nil {
		meta.DisplayName = m.Author.GlobalName
		if meta.DisplayName == "" {
			meta.DisplayName = m.Author.Username
		}
	}
	return meta
}

func (c *Connector) reply(ctx context.Context, m *discordgo.Message, text string) error {
	for i, chunk := range channels.SplitReply(text, MaxMessageRunes) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			send.Reference = m.Reference()
		}
		if _, err := c.session.ChannelMessageSendComplex(m.ChannelID, send, discordgo.WithContext(ctx)); err != nil {
			if isRateLimitError(err) {
				return channels.ErrRateLimit("discord send", err)
			}
			return channels.ErrConnection("discord send", err)
		}
	}
	return nil
}

func (c *Connector) lockFor(channelID string) *sync.Mutex {
	c.chanMu.Lock()
	defer c.chanMu.Unlock()
	l, ok := c.chanLock[channelID]
	if !ok {
		l = &sync.Mutex{}
		c.chanLock[channelID] = l
	}
	return l
}

func isRateLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var _ channels.Connector = (*Connector)(nil)
