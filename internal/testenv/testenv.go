// Package testenv loads the voice state used by live integration tests.
package testenv

import (
	"context"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"

	"github.com/diamondburned/arivoice/discord"
	"github.com/diamondburned/arivoice/voice/voicegateway"
)

// Env is the voice state handed out by the main gateway, supplied through
// the environment or a .env file.
type Env struct {
	Token     string `env:"VOICE_TOKEN, required"`
	SessionID string `env:"VOICE_SESSION_ID, required"`
	Endpoint  string `env:"VOICE_ENDPOINT, required"`
	GuildID   string `env:"VOICE_GUILD_ID, required"`
	ChannelID string `env:"VOICE_CHANNEL_ID, required"`
	UserID    string `env:"VOICE_USER_ID, required"`
}

var (
	globalEnv Env
	globalErr error
	once      sync.Once
)

// Must returns the environment or skips the test if it is incomplete.
func Must(t *testing.T) Env {
	e, err := GetEnv()
	if err != nil {
		t.Skip("integration test variables missing:", err)
	}
	return e
}

// GetEnv loads the environment once.
func GetEnv() (Env, error) {
	once.Do(getEnv)
	return globalEnv, globalErr
}

func getEnv() {
	// A missing .env file is fine; the variables may already be set.
	_ = godotenv.Load()

	if err := envconfig.Process(context.Background(), &globalEnv); err != nil {
		globalErr = errors.Wrap(err, "failed to process env")
	}
}

// State converts the environment into a voice gateway state.
func (e Env) State() (voicegateway.State, error) {
	guildID, err := discord.ParseSnowflake(e.GuildID)
	if err != nil {
		return voicegateway.State{}, errors.Wrap(err, "invalid $VOICE_GUILD_ID")
	}

	channelID, err := discord.ParseSnowflake(e.ChannelID)
	if err != nil {
		return voicegateway.State{}, errors.Wrap(err, "invalid $VOICE_CHANNEL_ID")
	}

	userID, err := discord.ParseSnowflake(e.UserID)
	if err != nil {
		return voicegateway.State{}, errors.Wrap(err, "invalid $VOICE_USER_ID")
	}

	return voicegateway.State{
		GuildID:   discord.GuildID(guildID),
		ChannelID: discord.ChannelID(channelID),
		UserID:    discord.UserID(userID),
		SessionID: e.SessionID,
		Token:     e.Token,
		Endpoint:  e.Endpoint,
	}, nil
}
