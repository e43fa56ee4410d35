package voicegateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/diamondburned/arivoice/utils/ws"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"us-east1.discord.media:80", "wss://us-east1.discord.media/?v=4"},
		{"us-east1.discord.media:443", "wss://us-east1.discord.media:443/?v=4"},
		{"ws://127.0.0.1:8080", "ws://127.0.0.1:8080/?v=4"},
		{"ws://127.0.0.1:8080/voice", "ws://127.0.0.1:8080/voice?v=4"},
	}

	for _, test := range tests {
		got, err := EndpointURL(test.endpoint)
		assert.NoError(t, err, test.endpoint)
		assert.Equal(t, test.want, got, test.endpoint)
	}

	_, err := EndpointURL("")
	assert.IsError(t, err, ErrNoEndpoint)
}

func TestStateValidate(t *testing.T) {
	valid := State{
		GuildID:   1,
		UserID:    2,
		SessionID: "session",
		Token:     "token",
		Endpoint:  "localhost:80",
	}
	assert.NoError(t, valid.Validate())

	noSession := valid
	noSession.SessionID = ""
	assert.IsError(t, noSession.Validate(), ErrNoSessionID)

	noEndpoint := valid
	noEndpoint.Endpoint = ""
	assert.IsError(t, noEndpoint.Validate(), ErrNoEndpoint)

	noToken := valid
	noToken.Token = ""
	assert.IsError(t, noToken.Validate(), ErrMissingForIdentify)
}

func TestCloseCodeFatal(t *testing.T) {
	fatal := make(map[int]bool, len(FatalCloseCodes))
	for _, code := range FatalCloseCodes {
		fatal[code] = true
	}

	for code := CloseCode(4000); code <= 4020; code++ {
		assert.Equal(t, fatal[int(code)], code.IsFatal(), code.String())
	}

	assert.Equal(t, "authentication failed", CloseAuthenticationFailed.String())
	assert.Equal(t, "close code 4000", CloseCode(4000).String())
}

func decodeOp(t *testing.T, payload string) ws.Op {
	t.Helper()

	ch := make(chan ws.Op, 1)
	codec := ws.NewCodec(OpUnmarshalers)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := codec.DecodeInto(ctx, strings.NewReader(payload), ch); err != nil {
		t.Fatal("failed to decode:", err)
	}

	return <-ch
}

func TestDecodeEvents(t *testing.T) {
	tests := []struct {
		payload string
		want    ws.Event
	}{
		{
			`{"op":2,"d":{"ssrc":1,"ip":"127.0.0.1","port":1234,"modes":["xsalsa20_poly1305"],"heartbeat_interval":1}}`,
			&ReadyEvent{SSRC: 1, IP: "127.0.0.1", Port: 1234, Modes: []string{"xsalsa20_poly1305"}},
		},
		{
			`{"op":5,"d":{"user_id":"42","ssrc":7,"speaking":1}}`,
			&SpeakingEvent{UserID: 42, SSRC: 7, Speaking: Microphone},
		},
		{
			`{"op":6,"d":1501184119561}`,
			func() ws.Event { ack := HeartbeatACKEvent(1501184119561); return &ack }(),
		},
		{
			`{"op":9,"d":null}`,
			&ResumedEvent{},
		},
		{
			`{"op":13,"d":{"user_id":"42"}}`,
			&ClientDisconnectEvent{UserID: 42},
		},
	}

	for _, test := range tests {
		op := decodeOp(t, test.payload)
		assert.Equal(t, test.want.Op(), op.Code, test.payload)

		if diff := cmp.Diff(test.want, op.Data); diff != "" {
			t.Errorf("unexpected event for %s (-want +got):\n%s", test.payload, diff)
		}
	}
}

func TestDecodeSessionDescription(t *testing.T) {
	key := make([]string, 32)
	for i := range key {
		key[i] = "7"
	}

	op := decodeOp(t, `{"op":4,"d":{"mode":"xsalsa20_poly1305_lite","secret_key":[`+strings.Join(key, ",")+`]}}`)

	desc, ok := op.Data.(*SessionDescriptionEvent)
	assert.True(t, ok, "unexpected event type")
	assert.Equal(t, "xsalsa20_poly1305_lite", desc.Mode)
	for _, b := range desc.SecretKey {
		assert.Equal(t, byte(7), b)
	}
}

func TestDecodeUnknownOp(t *testing.T) {
	op := decodeOp(t, `{"op":42,"d":{}}`)

	bg, ok := op.Data.(*ws.BackgroundErrorEvent)
	assert.True(t, ok, "unexpected event type")
	assert.True(t, ws.IsUnknownEvent(bg.Err))
}

func TestCommandPayloads(t *testing.T) {
	op := ws.Op{
		Code: SpeakingOp,
		Data: &SpeakingCommand{Speaking: Microphone | Priority, SSRC: 9},
	}

	b, err := json.Marshal(op)
	assert.NoError(t, err)

	var got struct {
		Op   int `json:"op"`
		Data struct {
			Speaking int    `json:"speaking"`
			Delay    int    `json:"delay"`
			SSRC     uint32 `json:"ssrc"`
		} `json:"d"`
	}
	assert.NoError(t, json.Unmarshal(b, &got))

	assert.Equal(t, 5, got.Op)
	assert.Equal(t, 5, got.Data.Speaking)
	assert.Equal(t, 0, got.Data.Delay)
	assert.Equal(t, uint32(9), got.Data.SSRC)
}

func TestHeartbeatLatency(t *testing.T) {
	sent := time.UnixMilli(1000)
	ack := HeartbeatACKEvent(sent.UnixMilli())
	assert.Equal(t, 50*time.Millisecond, ack.Latency(sent.Add(50*time.Millisecond)))
}
