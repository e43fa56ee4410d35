package main

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/diamondburned/arivoice/internal/backoff"
	"github.com/diamondburned/arivoice/utils/handler"
	"github.com/diamondburned/arivoice/utils/ws"
	"github.com/diamondburned/arivoice/voice"
)

const directorTick = 250 * time.Millisecond

// director drives one session through queued connection requests, retrying
// with backoff whenever the session ends in a status worth retrying.
type director struct {
	session *voice.Session
	queue   voice.RequestQueue
	backoff backoff.Backoff
	logger  *log.Logger

	connected chan struct{}
	now       func() time.Time
}

func newDirector(s *voice.Session, min, max time.Duration, logger *log.Logger) *director {
	return &director{
		session:   s,
		backoff:   backoff.NewBackoff(min, max),
		logger:    logger,
		connected: make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Connected is signalled after every successful connect.
func (d *director) Connected() <-chan struct{} {
	return d.connected
}

// Run queues the initial connect and processes requests until ctx is done,
// then leaves the channel.
func (d *director) Run(ctx context.Context) error {
	rm := handler.Add[ws.Event](d.session, func(ev *voice.StatusEvent) {
		d.logger.Info("voice status", "status", ev.New)

		if ev.New.ShouldReconnect() {
			d.retry()
		}
	})
	defer rm()

	state := d.session.State()
	d.queue.Enqueue(voice.NewConnectionRequest(state.GuildID, state.ChannelID, voice.StageConnect))

	tick := time.NewTicker(directorTick)
	defer tick.Stop()

	for {
		for {
			r, ok := d.queue.Next(d.now())
			if !ok {
				break
			}
			if err := d.handle(ctx, r); err != nil {
				d.session.Leave()
				return err
			}
		}

		select {
		case <-ctx.Done():
			d.session.Leave()
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (d *director) retry() {
	state := d.session.State()

	r := voice.NewConnectionRequest(state.GuildID, state.ChannelID, voice.StageReconnect)
	r.NextAttempt = d.now().Add(d.backoff.Next())
	d.queue.Enqueue(r)

	d.logger.Debug("reconnect scheduled", "attempt", d.backoff.Attempts(), "at", r.NextAttempt)
}

// handle carries out one request. It returns an error only if the session
// failed in a way retrying cannot fix.
func (d *director) handle(ctx context.Context, r voice.ConnectionRequest) error {
	d.logger.Debug("handling connection request", "stage", r.Stage, "guild", r.GuildID())

	switch r.Stage {
	case voice.StageDisconnect:
		d.session.Leave()
		return nil
	case voice.StageMoveChannel:
		d.session.Leave()
	}

	err := d.session.Connect(ctx)
	switch {
	case err == nil:
	case errors.Is(err, voice.ErrAlreadyConnected):
		// The session resumed on its own before the retry came due.
		if d.session.Status() != voice.Connected {
			return nil
		}
	default:
		var statusErr *voice.StatusError
		if errors.As(err, &statusErr) && statusErr.Status.ShouldReconnect() {
			// Rescheduled by the status listener.
			d.logger.Warn("failed to connect", "status", statusErr.Status, "err", err)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "failed to connect")
	}

	d.backoff.Reset()

	select {
	case d.connected <- struct{}{}:
	default:
	}

	return nil
}
