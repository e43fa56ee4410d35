// Package mix combines the decoded audio of several users into one stream.
package mix

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/diamondburned/arivoice/discord"
)

// entry is one queued frame.
type entry struct {
	pcm []int16
	at  time.Time
}

// Queue is a FIFO of decoded frames from a single user. A single producer and
// a single consumer may use it concurrently.
type Queue struct {
	mu      sync.Mutex
	entries []entry
}

// Push appends a copy of pcm, stamped with at.
func (q *Queue) Push(pcm []int16, at time.Time) {
	cpy := append([]int16(nil), pcm...)

	q.mu.Lock()
	q.entries = append(q.entries, entry{cpy, at})
	q.mu.Unlock()
}

// Pop drops every frame older than timeout and returns the oldest of the
// rest, so frames play in arrival order and the timeout bounds how stale the
// returned frame can be. It returns nil if nothing is left.
func (q *Queue) Pop(now time.Time, timeout time.Duration) []int16 {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := 0
	for i < len(q.entries) && now.Sub(q.entries[i].at) > timeout {
		i++
	}

	if i == len(q.entries) {
		q.entries = q.entries[:0]
		return nil
	}

	pcm := q.entries[i].pcm
	q.entries[i] = entry{}
	q.entries = q.entries[i+1:]

	return pcm
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Frame is one mixed frame.
type Frame struct {
	// Users is the set of users that contributed, sorted by ID.
	Users []discord.UserID
	// PCM is the interleaved mixed audio.
	PCM []int16
}

// Mixer owns one Queue per user and mixes them on demand.
type Mixer struct {
	frameSamples int

	mu      sync.Mutex
	queues  map[discord.UserID]*Queue
	timeout time.Duration
}

// NewMixer creates a new Mixer producing frames of frameSamples interleaved
// samples.
func NewMixer(frameSamples int, timeout time.Duration) *Mixer {
	return &Mixer{
		frameSamples: frameSamples,
		timeout:      timeout,
		queues:       make(map[discord.UserID]*Queue),
	}
}

// Push queues a frame from a user.
func (m *Mixer) Push(user discord.UserID, pcm []int16, at time.Time) {
	m.mu.Lock()
	q, ok := m.queues[user]
	if !ok {
		q = &Queue{}
		m.queues[user] = q
	}
	m.mu.Unlock()

	q.Push(pcm, at)
}

// SetTimeout sets the maximum age of a frame for it to be mixed.
func (m *Mixer) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
}

// Remove drops the queue of a user.
func (m *Mixer) Remove(user discord.UserID) {
	m.mu.Lock()
	delete(m.queues, user)
	m.mu.Unlock()
}

// Mix pops one frame from every queue and sums them. If no queue has a fresh
// frame, a frame of silence with no users is returned.
func (m *Mixer) Mix(now time.Time) Frame {
	m.mu.Lock()
	users := make([]discord.UserID, 0, len(m.queues))
	queues := make([]*Queue, 0, len(m.queues))
	for user, q := range m.queues {
		users = append(users, user)
		queues = append(queues, q)
	}
	timeout := m.timeout
	m.mu.Unlock()

	acc := make([]int32, m.frameSamples)
	var contributed []discord.UserID

	for i, q := range queues {
		pcm := q.Pop(now, timeout)
		if pcm == nil {
			continue
		}

		contributed = append(contributed, users[i])
		for j := 0; j < len(acc) && j < len(pcm); j++ {
			acc[j] += int32(pcm[j])
		}
	}

	sort.Slice(contributed, func(i, j int) bool { return contributed[i] < contributed[j] })

	out := make([]int16, m.frameSamples)
	for i, v := range acc {
		out[i] = clamp(v)
	}

	return Frame{Users: contributed, PCM: out}
}

func clamp(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
