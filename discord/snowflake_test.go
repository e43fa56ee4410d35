package discord

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSnowflake(t *testing.T) {
	t.Run("parse", func(t *testing.T) {
		_, err := ParseSnowflake("175928847299117063")
		if err != nil {
			t.Fatal("Failed to parse snowflake:", err)
		}
	})

	const value = 175928847299117063
	var expect = time.Date(2016, 04, 30, 11, 18, 25, 796*int(time.Millisecond), time.UTC)

	t.Run("methods", func(t *testing.T) {
		s := Snowflake(value)

		if ts := s.Time(); !ts.Equal(expect) {
			t.Fatal("Unexpected time (expected/got):", expect, ts)
		}

		if !s.IsValid() {
			t.Fatal("Snowflake unexpectedly invalid")
		}
	})

	t.Run("new", func(t *testing.T) {
		if s := NewSnowflake(expect); !s.Time().Equal(expect) {
			t.Fatal("Unexpected new snowflake from expected time:", s)
		}
	})

	t.Run("json", func(t *testing.T) {
		var v struct {
			UserID  UserID  `json:"user_id"`
			GuildID GuildID `json:"guild_id"`
		}

		if err := json.Unmarshal([]byte(`{"user_id":"42","guild_id":null}`), &v); err != nil {
			t.Fatal("Failed to unmarshal:", err)
		}

		if v.UserID != 42 {
			t.Fatal("Unexpected user ID:", v.UserID)
		}

		if !v.GuildID.IsNull() {
			t.Fatal("Guild ID is not null:", uint64(v.GuildID))
		}

		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal("Failed to marshal:", err)
		}

		if string(b) != `{"user_id":"42","guild_id":null}` {
			t.Fatal("Unexpected JSON:", string(b))
		}
	})
}
