package voice

import (
	"sort"
	"sync"
	"time"

	"github.com/diamondburned/arivoice/discord"
)

// ConnectionStage is what a ConnectionRequest asks for.
type ConnectionStage int

const (
	StageConnect ConnectionStage = iota
	StageMoveChannel
	StageReconnect
	StageDisconnect
)

func (s ConnectionStage) String() string {
	switch s {
	case StageConnect:
		return "Connect"
	case StageMoveChannel:
		return "MoveChannel"
	case StageReconnect:
		return "Reconnect"
	case StageDisconnect:
		return "Disconnect"
	}
	return "ConnectionStage(?)"
}

// ConnectionRequest is a pending change of a guild's voice connection. The
// guild is immutable; the other fields are replaced as requests for the same
// guild are coalesced.
type ConnectionRequest struct {
	guildID     discord.GuildID
	ChannelID   discord.ChannelID
	Stage       ConnectionStage
	NextAttempt time.Time
}

// NewConnectionRequest creates a request due immediately.
func NewConnectionRequest(guildID discord.GuildID, channelID discord.ChannelID, stage ConnectionStage) ConnectionRequest {
	return ConnectionRequest{
		guildID:   guildID,
		ChannelID: channelID,
		Stage:     stage,
	}
}

// GuildID returns the guild the request is for.
func (r ConnectionRequest) GuildID() discord.GuildID {
	return r.guildID
}

// Due returns true if the request may be attempted at now.
func (r ConnectionRequest) Due(now time.Time) bool {
	return !now.Before(r.NextAttempt)
}

// RequestQueue holds at most one ConnectionRequest per guild. A zero value is
// ready to use.
type RequestQueue struct {
	mu       sync.Mutex
	requests map[discord.GuildID]ConnectionRequest
}

// Enqueue adds r, replacing the stage, channel and next attempt of any
// request already queued for the same guild. A disconnect cancels a pending
// connect instead of being queued.
func (q *RequestQueue) Enqueue(r ConnectionRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.requests == nil {
		q.requests = make(map[discord.GuildID]ConnectionRequest)
	}

	if old, ok := q.requests[r.guildID]; ok {
		if r.Stage == StageDisconnect && old.Stage == StageConnect {
			delete(q.requests, r.guildID)
			return
		}
	}

	q.requests[r.guildID] = r
}

// Get returns the request queued for the guild.
func (q *RequestQueue) Get(guildID discord.GuildID) (ConnectionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.requests[guildID]
	return r, ok
}

// Remove drops the request queued for the guild.
func (q *RequestQueue) Remove(guildID discord.GuildID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.requests, guildID)
}

// Len returns the number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.requests)
}

// Next removes and returns the due request with the earliest next attempt.
// Ties are broken by guild ID.
func (q *RequestQueue) Next(now time.Time) (ConnectionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]ConnectionRequest, 0, len(q.requests))
	for _, r := range q.requests {
		if r.Due(now) {
			due = append(due, r)
		}
	}

	if len(due) == 0 {
		return ConnectionRequest{}, false
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttempt.Equal(due[j].NextAttempt) {
			return due[i].NextAttempt.Before(due[j].NextAttempt)
		}
		return due[i].guildID < due[j].guildID
	})

	delete(q.requests, due[0].guildID)
	return due[0], true
}
