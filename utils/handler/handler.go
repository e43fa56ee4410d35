// Package handler dispatches voice session events to callbacks and channels.
//
// Add takes a function whose only argument is a concrete event type. Events of
// other types are skipped:
//
//	handler.Add[ws.Event](session, func(ev *voice.StatusEvent) {
//		log.Println("voice status:", ev.New)
//	})
package handler

import (
	"context"
	"sync"
)

// Dispatcher is an interface for dispatching events.
type Dispatcher[T any] interface {
	// Dispatch calls every handler with the given event. Asynchronous handlers
	// are started but not waited for.
	Dispatch(ev T)
}

// Handler is an interface for adding callbacks and channels. Every method
// returns a function that removes what was added; calling it more than once
// is fine.
type Handler[T any] interface {
	// HandleCallback adds a callback that is called in its own goroutine for
	// every event.
	HandleCallback(fn func(T)) (rm func())
	// HandleSynchronousCallback adds a callback that is called by Dispatch
	// itself. It must not block.
	HandleSynchronousCallback(fn func(T)) (rm func())
	// HandleChannel adds a channel that receives every event. Each send
	// happens in its own goroutine and is abandoned when rm is called, so a
	// slow reader never holds up Dispatch. The channel must not be closed.
	HandleChannel(ch chan<- T) (rm func())
	// HandleBlockingChannel is like HandleChannel, but Dispatch waits for the
	// send, which keeps events in order.
	HandleBlockingChannel(ch chan<- T) (rm func())
}

// Add adds a callback that is called in its own goroutine for every event of
// type EventT.
func Add[HandlerT any, EventT any](h Handler[HandlerT], fn func(EventT)) (rm func()) {
	return h.HandleSynchronousCallback(func(ev HandlerT) {
		if e, ok := any(ev).(EventT); ok {
			go fn(e)
		}
	})
}

// AddSynchronous is like Add, but fn is called by Dispatch.
func AddSynchronous[HandlerT any, EventT any](h Handler[HandlerT], fn func(EventT)) (rm func()) {
	return h.HandleSynchronousCallback(func(ev HandlerT) {
		if e, ok := any(ev).(EventT); ok {
			fn(e)
		}
	})
}

// Expect returns a function that blocks until an event of type EventT for
// which fn returns true is dispatched, and returns it. Events dispatched
// before Expect is called are not seen.
func Expect[HandlerT, EventT any](h Handler[HandlerT], fn func(EventT) bool) func(context.Context) (EventT, error) {
	out := make(chan HandlerT)
	rm := h.HandleChannel(out)

	return func(ctx context.Context) (EventT, error) {
		defer rm()

		for {
			select {
			case <-ctx.Done():
				var z EventT
				return z, ctx.Err()
			case ev := <-out:
				if v, ok := any(ev).(EventT); ok && fn(v) {
					return v, nil
				}
			}
		}
	}
}

// ExpectCh is like Expect, but delivers every matching event on the returned
// channel until ctx is done.
func ExpectCh[HandlerT, EventT any](ctx context.Context, h Handler[HandlerT], fn func(EventT) bool) <-chan EventT {
	evs := make(chan EventT, 1)
	out := make(chan HandlerT, 1)
	rm := h.HandleChannel(out)

	go func() {
		defer rm()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-out:
				v, ok := any(ev).(EventT)
				if !ok || !fn(v) {
					continue
				}

				select {
				case <-ctx.Done():
					return
				case evs <- v:
				}
			}
		}
	}()

	return evs
}

// Handlers holds callbacks and channels in the order they were added. A zero
// value is ready to use.
type Handlers[T any] struct {
	mutex   sync.Mutex
	callers []entry[T] // copied on write
	nextID  uint64
}

var (
	_ Dispatcher[struct{}] = (*Handlers[struct{}])(nil)
	_ Handler[struct{}]    = (*Handlers[struct{}])(nil)
)

type entry[T any] struct {
	id     uint64
	caller caller[T]
}

// New creates an empty Handlers.
func New[T any]() interface {
	Dispatcher[T]
	Handler[T]
} {
	return &Handlers[T]{}
}

// Dispatch implements Dispatcher. Handlers added or removed while it runs take
// effect from the next Dispatch.
func (h *Handlers[T]) Dispatch(ev T) {
	h.mutex.Lock()
	callers := h.callers
	h.mutex.Unlock()

	for _, e := range callers {
		e.caller.Call(ev)
	}
}

// HandleCallback implements Handler.
func (h *Handlers[T]) HandleCallback(fn func(T)) (rm func()) {
	return h.add(callback[T]{fn: fn, async: true})
}

// HandleSynchronousCallback implements Handler.
func (h *Handlers[T]) HandleSynchronousCallback(fn func(T)) (rm func()) {
	return h.add(callback[T]{fn: fn})
}

// HandleChannel implements Handler.
func (h *Handlers[T]) HandleChannel(ch chan<- T) (rm func()) {
	return h.add(channel[T]{ch: ch, done: make(chan struct{}), async: true})
}

// HandleBlockingChannel implements Handler.
func (h *Handlers[T]) HandleBlockingChannel(ch chan<- T) (rm func()) {
	return h.add(channel[T]{ch: ch, done: make(chan struct{})})
}

func (h *Handlers[T]) add(c caller[T]) (rm func()) {
	h.mutex.Lock()
	h.nextID++
	id := h.nextID

	callers := make([]entry[T], len(h.callers), len(h.callers)+1)
	copy(callers, h.callers)
	h.callers = append(callers, entry[T]{id: id, caller: c})
	h.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.remove(id)
			c.Close()
		})
	}
}

func (h *Handlers[T]) remove(id uint64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	callers := make([]entry[T], 0, len(h.callers))
	for _, e := range h.callers {
		if e.id != id {
			callers = append(callers, e)
		}
	}
	h.callers = callers
}

type caller[T any] interface {
	Call(T)
	Close()
}

type callback[T any] struct {
	fn    func(T)
	async bool
}

func (c callback[T]) Call(v T) {
	if c.async {
		go c.fn(v)
		return
	}
	c.fn(v)
}

func (c callback[T]) Close() {}

type channel[T any] struct {
	ch    chan<- T
	done  chan struct{}
	async bool
}

func (c channel[T]) Call(v T) {
	select {
	case <-c.done:
		return
	default:
	}

	send := func() {
		select {
		case c.ch <- v:
		case <-c.done:
		}
	}

	if c.async {
		go send()
		return
	}
	send()
}

// Close is only called once, by rm.
func (c channel[T]) Close() {
	close(c.done)
}
