package fweh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrDuplicateHandler is returned when an event code already has a
	// handler. Codes are claimed once at startup.
	ErrDuplicateHandler = errors.New("fweh: handler already registered for event")
	errDispatcherClosed = errors.New("fweh: dispatcher closed")
)

// Handler consumes one decoded firmware event. Handlers run on the
// dispatcher worker, one at a time, in firmware arrival order.
type Handler func(msg *Message, payload []byte)

// EapolHandler consumes one raw EAPOL frame, serialized with event handlers.
type EapolHandler func(ifidx uint8, frame []byte)

type entryKind uint8

const (
	entryEvent entryKind = iota
	entryEapol
	entryTask
)

// entry is one queued unit of work. Ownership of payload passes to the
// dispatcher on enqueue and is released after the handler runs.
type entry struct {
	kind    entryKind
	msg     Message
	payload []byte
	ifidx   uint8
	task    func()
}

// Dispatcher routes decoded events to registered handlers through a
// single-consumer FIFO shared with EAPOL frames and deferred tasks, so that
// everything observes firmware arrival order. One worker per radio.
//
// With Synchronous set, handlers are invoked inline by the producer instead
// of through the queue; observable ordering is unchanged because producers
// of ordered traffic call from a single goroutine.
type Dispatcher struct {
	mu        sync.Mutex
	handlers  map[Event]Handler
	ifInline  Handler
	eapol     EapolHandler
	queue     chan entry
	closed    bool
	done      chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
	synchrone bool
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Logger *slog.Logger
	// QueueDepth bounds the FIFO. Producers block when it is full, which
	// preserves ordering under backpressure. Default 64.
	QueueDepth int
	// Synchronous runs handlers inline, for simulated transports and tests.
	Synchronous bool
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	d := &Dispatcher{
		handlers:  make(map[Event]Handler),
		queue:     make(chan entry, depth),
		done:      make(chan struct{}),
		logger:    cfg.Logger,
		synchrone: cfg.Synchronous,
	}
	if !d.synchrone {
		d.wg.Add(1)
		go d.drain()
	}
	return d
}

// Register claims an event code. It fails if the code is already claimed.
func (d *Dispatcher) Register(code Event, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[code]; ok {
		return ErrDuplicateHandler
	}
	d.handlers[code] = h
	return nil
}

// HandleIF sets the inline hook for interface add/change/delete events.
// IF events bypass the queue: they create or destroy interface state that
// queued handlers may reference, so they must run before anything behind
// them in the stream.
func (d *Dispatcher) HandleIF(h Handler) { d.mu.Lock(); d.ifInline = h; d.mu.Unlock() }

// HandleEapol sets the consumer for queued EAPOL frames.
func (d *Dispatcher) HandleEapol(h EapolHandler) { d.mu.Lock(); d.eapol = h; d.mu.Unlock() }

// ProcessFrame validates, decodes and routes one raw event frame from the
// radio. Malformed frames return an error; the caller logs and drops them,
// a single bad event never takes down the dispatcher. Recognized codes with
// no registered handler are dropped with a diagnostic: firmware may emit
// codes the host does not yet interpret.
func (d *Dispatcher) ProcessFrame(frame []byte) error {
	msg, payload, err := DecodeFrame(frame)
	if err != nil {
		return err
	}
	if msg.Event == EventIF {
		d.mu.Lock()
		h := d.ifInline
		d.mu.Unlock()
		if h != nil {
			h(&msg, payload)
		}
		return nil
	}
	d.mu.Lock()
	_, known := d.handlers[msg.Event]
	d.mu.Unlock()
	if !known {
		if d.logenabled(slog.LevelDebug) {
			d.logger.Debug("fweh:drop_unhandled",
				slog.String("event", msg.Event.String()),
				slog.Uint64("status", uint64(msg.Status)),
			)
		}
		return nil
	}
	// The payload aliases the caller's rx buffer; copy before queueing.
	owned := make([]byte, len(payload))
	copy(owned, payload)
	return d.enqueue(entry{kind: entryEvent, msg: msg, payload: owned})
}

// QueueEapol hands an EAPOL frame from the data path to the dispatcher.
// It must be called in firmware arrival order relative to ProcessFrame so
// that, for example, an EAPOL frame and the link-down event that follows it
// on the air are delivered upward in the same relative order.
func (d *Dispatcher) QueueEapol(ifidx uint8, frame []byte) error {
	owned := make([]byte, len(frame))
	copy(owned, frame)
	return d.enqueue(entry{kind: entryEapol, ifidx: ifidx, payload: owned})
}

// Defer schedules fn on the dispatcher worker, serialized with event and
// EAPOL processing. Timer callbacks run through here so a timer firing and
// an event arriving for the same state transition cannot interleave.
func (d *Dispatcher) Defer(fn func()) error {
	return d.enqueue(entry{kind: entryTask, task: fn})
}

func (d *Dispatcher) enqueue(e entry) error {
	if d.synchrone {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return errDispatcherClosed
		}
		d.dispatch(e)
		return nil
	}
	// Checked separately first: the select below picks at random between
	// ready cases, and the queue usually has room.
	select {
	case <-d.done:
		return errDispatcherClosed
	default:
	}
	select {
	case <-d.done:
		return errDispatcherClosed
	case d.queue <- e:
		return nil
	}
}

func (d *Dispatcher) drain() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case e := <-d.queue:
			d.dispatch(e)
		}
	}
}

func (d *Dispatcher) dispatch(e entry) {
	switch e.kind {
	case entryEvent:
		d.mu.Lock()
		h := d.handlers[e.msg.Event]
		d.mu.Unlock()
		if h != nil {
			h(&e.msg, e.payload)
		}
	case entryEapol:
		d.mu.Lock()
		h := d.eapol
		d.mu.Unlock()
		if h != nil {
			h(e.ifidx, e.payload)
		}
	case entryTask:
		e.task()
	}
}

// Close stops the worker. A handler in flight finishes first; queued
// entries behind it are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
	d.wg.Wait()
}

func (d *Dispatcher) logenabled(lvl slog.Level) bool {
	return d.logger != nil && d.logger.Enabled(context.Background(), lvl)
}
