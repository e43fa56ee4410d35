package voice

import (
	"strconv"

	"github.com/diamondburned/arivoice/voice/voicegateway"
)

// Status is the connection status of a Session. Status changes are dispatched
// as *StatusEvent.
type Status int

const (
	NotConnected Status = iota
	ShuttingDown
	ConnectingAwaitingEndpoint
	ConnectingAwaitingWebsocketConnect
	ConnectingAwaitingAuthentication
	ConnectingAttemptingUDPDiscovery
	ConnectingAwaitingReady
	Connected
	RefusedNoPermission
	RefusedChannelFull
	ErrorLackOfPermissions
	ErrorLostConnection
	ErrorCannotResume
	ErrorWebsocketUnableToConnect
	ErrorUnsupportedEncryptionModes
	ErrorUDPUnableToConnect
	ErrorConnectionTimeout
	AudioRegionChange
	DisconnectedLostPermission
	DisconnectedRemovedFromGuild
	DisconnectedChannelDeleted
	DisconnectedKickedFromChannel
	DisconnectedRemovedDuringReconnect
	DisconnectedAuthenticationFailure
)

var statusNames = [...]string{
	NotConnected:                       "NotConnected",
	ShuttingDown:                       "ShuttingDown",
	ConnectingAwaitingEndpoint:         "ConnectingAwaitingEndpoint",
	ConnectingAwaitingWebsocketConnect: "ConnectingAwaitingWebsocketConnect",
	ConnectingAwaitingAuthentication:   "ConnectingAwaitingAuthentication",
	ConnectingAttemptingUDPDiscovery:   "ConnectingAttemptingUDPDiscovery",
	ConnectingAwaitingReady:            "ConnectingAwaitingReady",
	Connected:                          "Connected",
	RefusedNoPermission:                "RefusedNoPermission",
	RefusedChannelFull:                 "RefusedChannelFull",
	ErrorLackOfPermissions:             "ErrorLackOfPermissions",
	ErrorLostConnection:                "ErrorLostConnection",
	ErrorCannotResume:                  "ErrorCannotResume",
	ErrorWebsocketUnableToConnect:      "ErrorWebsocketUnableToConnect",
	ErrorUnsupportedEncryptionModes:    "ErrorUnsupportedEncryptionModes",
	ErrorUDPUnableToConnect:            "ErrorUDPUnableToConnect",
	ErrorConnectionTimeout:             "ErrorConnectionTimeout",
	AudioRegionChange:                  "AudioRegionChange",
	DisconnectedLostPermission:         "DisconnectedLostPermission",
	DisconnectedRemovedFromGuild:       "DisconnectedRemovedFromGuild",
	DisconnectedChannelDeleted:         "DisconnectedChannelDeleted",
	DisconnectedKickedFromChannel:      "DisconnectedKickedFromChannel",
	DisconnectedRemovedDuringReconnect: "DisconnectedRemovedDuringReconnect",
	DisconnectedAuthenticationFailure:  "DisconnectedAuthenticationFailure",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// IsConnecting returns true for the intermediate handshake statuses.
func (s Status) IsConnecting() bool {
	switch s {
	case ConnectingAwaitingEndpoint,
		ConnectingAwaitingWebsocketConnect,
		ConnectingAwaitingAuthentication,
		ConnectingAttemptingUDPDiscovery,
		ConnectingAwaitingReady:
		return true
	}
	return false
}

// ShouldReconnect returns true if a connection that ended with this status is
// worth attempting again with a fresh ConnectionRequest.
func (s Status) ShouldReconnect() bool {
	switch s {
	case ErrorLostConnection,
		ErrorConnectionTimeout,
		ErrorUDPUnableToConnect,
		ErrorWebsocketUnableToConnect,
		AudioRegionChange:
		return true
	}
	return false
}

// closeStatus maps a close code to the status the session ends with, or
// returns false if the code is not terminal by itself.
func closeStatus(code voicegateway.CloseCode) (Status, bool) {
	switch code {
	case voicegateway.CloseSessionNoLongerValid,
		voicegateway.CloseServerNotFound,
		voicegateway.CloseVoiceServerCrashed:
		return ErrorCannotResume, true
	case voicegateway.CloseAuthenticationFailed:
		return DisconnectedAuthenticationFailure, true
	case voicegateway.CloseDisconnected:
		return DisconnectedKickedFromChannel, true
	}
	return 0, false
}
