package voicegateway

import "strconv"

// CloseCode is a voice gateway websocket close code.
//
// https://discord.com/developers/docs/topics/opcodes-and-status-codes#voice-voice-close-event-codes
type CloseCode int

const (
	CloseUnknownOpcode         CloseCode = 4001
	CloseDecodeError           CloseCode = 4002
	CloseNotAuthenticated      CloseCode = 4003
	CloseAuthenticationFailed  CloseCode = 4004
	CloseAlreadyAuthenticated  CloseCode = 4005
	CloseSessionNoLongerValid  CloseCode = 4006
	CloseSessionTimeout        CloseCode = 4009
	CloseServerNotFound        CloseCode = 4011
	CloseUnknownProtocol       CloseCode = 4012
	CloseDisconnected          CloseCode = 4014
	CloseVoiceServerCrashed    CloseCode = 4015
	CloseUnknownEncryptionMode CloseCode = 4016
)

var closeCodeNames = map[CloseCode]string{
	CloseUnknownOpcode:         "unknown opcode",
	CloseDecodeError:           "failed to decode payload",
	CloseNotAuthenticated:      "not authenticated",
	CloseAuthenticationFailed:  "authentication failed",
	CloseAlreadyAuthenticated:  "already authenticated",
	CloseSessionNoLongerValid:  "session no longer valid",
	CloseSessionTimeout:        "session timeout",
	CloseServerNotFound:        "server not found",
	CloseUnknownProtocol:       "unknown protocol",
	CloseDisconnected:          "disconnected",
	CloseVoiceServerCrashed:    "voice server crashed",
	CloseUnknownEncryptionMode: "unknown encryption mode",
}

func (c CloseCode) String() string {
	if name, ok := closeCodeNames[c]; ok {
		return name
	}
	return "close code " + strconv.Itoa(int(c))
}

// IsFatal returns true if the session cannot be resumed or reconnected after
// the server closes with this code.
func (c CloseCode) IsFatal() bool {
	switch c {
	case CloseAuthenticationFailed,
		CloseSessionNoLongerValid,
		CloseServerNotFound,
		CloseDisconnected,
		CloseVoiceServerCrashed:
		return true
	}
	return false
}

// FatalCloseCodes is the list of close codes for which IsFatal is true. It is
// used as ws.GatewayOpts.FatalCloseCodes.
var FatalCloseCodes = []int{
	int(CloseAuthenticationFailed),
	int(CloseSessionNoLongerValid),
	int(CloseServerNotFound),
	int(CloseDisconnected),
	int(CloseVoiceServerCrashed),
}
