package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/charmbracelet/log"

	"github.com/diamondburned/arivoice/discord"
	"github.com/diamondburned/arivoice/voice"
)

func setVoiceEnv(t *testing.T) {
	t.Setenv("VOICE_TOKEN", "token")
	t.Setenv("VOICE_SESSION_ID", "session")
	t.Setenv("VOICE_ENDPOINT", "voice.example.com:443")
	t.Setenv("VOICE_GUILD_ID", "100")
	t.Setenv("VOICE_CHANNEL_ID", "200")
	t.Setenv("VOICE_USER_ID", "300")
}

func TestLoadConfig(t *testing.T) {
	setVoiceEnv(t)
	t.Setenv("VOICE_RETRY_MAX", "5s")

	cfg, err := LoadConfig(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.RetryMax)

	state, err := cfg.State()
	assert.NoError(t, err)
	assert.Equal(t, discord.GuildID(100), state.GuildID)
	assert.Equal(t, discord.ChannelID(200), state.ChannelID)
	assert.Equal(t, discord.UserID(300), state.UserID)
	assert.Equal(t, "voice.example.com:443", state.Endpoint)

	cfg.UserID = "not a snowflake"
	_, err = cfg.State()
	assert.Error(t, err)
}

func TestLoadConfigMissing(t *testing.T) {
	setVoiceEnv(t)
	t.Setenv("VOICE_TOKEN", "")
	os.Unsetenv("VOICE_TOKEN")

	_, err := LoadConfig(context.Background())
	assert.Error(t, err)
}

func TestPCMRecorder(t *testing.T) {
	var buf bytes.Buffer
	rec := newPCMRecorder(&buf, log.New(io.Discard))

	rec.Ignore(2)
	assert.True(t, rec.IncludeUserInCombinedAudio(1))
	assert.False(t, rec.IncludeUserInCombinedAudio(2))

	rec.HandleCombinedAudio(&voice.CombinedAudio{
		Users: []discord.UserID{1},
		PCM:   []int16{1, -2},
	})
	assert.NoError(t, rec.Flush())

	b := buf.Bytes()
	assert.Equal(t, 4, len(b))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(b[0:]))
	assert.Equal(t, int16(-2), int16(binary.LittleEndian.Uint16(b[2:])))
}

func TestIsOpusHeader(t *testing.T) {
	assert.True(t, isOpusHeader([]byte("OpusHead\x01\x02")))
	assert.True(t, isOpusHeader([]byte("OpusTags....")))
	assert.False(t, isOpusHeader([]byte{0xF8, 0xFF, 0xFE}))
}

func TestDirectorRetry(t *testing.T) {
	setVoiceEnv(t)

	cfg, err := LoadConfig(context.Background())
	assert.NoError(t, err)

	state, err := cfg.State()
	assert.NoError(t, err)

	s, err := voice.NewSession(state)
	assert.NoError(t, err)

	now := time.Unix(1000, 0)
	d := newDirector(s, time.Second, 4*time.Second, log.New(io.Discard))
	d.now = func() time.Time { return now }

	d.retry()

	r, ok := d.queue.Get(state.GuildID)
	assert.True(t, ok)
	assert.Equal(t, voice.StageReconnect, r.Stage)
	assert.False(t, r.Due(now), "retry must wait for the backoff")
	assert.True(t, r.Due(now.Add(4*time.Second)))
}
