package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// BotClient is the subset of *bot.Bot the connector uses, so tests can
// substitute a fake.
type BotClient interface {
	GetMe(ctx context.Context) (*tgmodels.User, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error)
	FileDownloadLink(f *tgmodels.File) string

	// Start long-polls for updates until ctx is done.
	Start(ctx context.Context)
}

// newBotClient creates a long-polling bot that sends every update to
// handler.
func newBotClient(token string, handler bot.HandlerFunc) (BotClient, error) {
	return bot.New(token, bot.WithDefaultHandler(handler))
}

var _ BotClient = (*bot.Bot)(nil)
