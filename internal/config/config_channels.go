package config

import "time"

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AgentID  string `yaml:"agent_id"`

	// AllowedChats restricts the bot to these chat ids. Empty allows all.
	AllowedChats   []int64       `yaml:"allowed_chats"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	MaxImageBytes  int64         `yaml:"max_image_bytes"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AgentID  string `yaml:"agent_id"`

	// RespondInGuilds answers every guild message, not only mentions.
	RespondInGuilds bool          `yaml:"respond_in_guilds"`
	AllowedGuilds   []string      `yaml:"allowed_guilds"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
}
