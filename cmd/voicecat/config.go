package main

import (
	"context"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"

	"github.com/diamondburned/arivoice/discord"
	"github.com/diamondburned/arivoice/voice/voicegateway"
)

// Config is the voice state handed to voicecat by whatever joined the
// channel on the main gateway.
type Config struct {
	Token     string `env:"VOICE_TOKEN, required"`
	SessionID string `env:"VOICE_SESSION_ID, required"`
	Endpoint  string `env:"VOICE_ENDPOINT, required"`
	GuildID   string `env:"VOICE_GUILD_ID, required"`
	ChannelID string `env:"VOICE_CHANNEL_ID, required"`
	UserID    string `env:"VOICE_USER_ID, required"`

	ConnectTimeout time.Duration `env:"VOICE_CONNECT_TIMEOUT, default=10s"`
	RetryMin       time.Duration `env:"VOICE_RETRY_MIN, default=1s"`
	RetryMax       time.Duration `env:"VOICE_RETRY_MAX, default=30s"`
}

// LoadConfig reads the config from the environment. Variables in a .env file
// in the working directory are loaded first if present.
func LoadConfig(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env")
	}
	return &cfg, nil
}

// State converts the config into a voice gateway state.
func (c *Config) State() (voicegateway.State, error) {
	guildID, err := discord.ParseSnowflake(c.GuildID)
	if err != nil {
		return voicegateway.State{}, errors.Wrap(err, "invalid VOICE_GUILD_ID")
	}

	channelID, err := discord.ParseSnowflake(c.ChannelID)
	if err != nil {
		return voicegateway.State{}, errors.Wrap(err, "invalid VOICE_CHANNEL_ID")
	}

	userID, err := discord.ParseSnowflake(c.UserID)
	if err != nil {
		return voicegateway.State{}, errors.Wrap(err, "invalid VOICE_USER_ID")
	}

	return voicegateway.State{
		GuildID:   discord.GuildID(guildID),
		ChannelID: discord.ChannelID(channelID),
		UserID:    discord.UserID(userID),
		SessionID: c.SessionID,
		Token:     c.Token,
		Endpoint:  c.Endpoint,
	}, nil
}
