// Package eventbus provides the priority publish/subscribe channel modules
// use to communicate without holding references to each other.
//
// Publishing never waits for handlers: an event is appended to the history
// buffer and to its priority band before Publish returns. A single dispatch
// loop drains the bands, always taking the oldest event of the highest
// non-empty band, and runs the matching handlers one after another in
// descending handler priority (ties in subscription order). A failing
// handler is logged and reported as a "handler.failed" event; it never
// affects the remaining handlers or later events.
package eventbus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the structured key-value logger used by the bus.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithHistorySize sets the history buffer capacity.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		b.history = NewHistory(n)
	}
}

// WithHandlerTimeout bounds every handler invocation. A handler exceeding
// it is reported as failed and the loop moves on; zero disables the limit.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.handlerTimeout = d
	}
}

type busState int

const (
	stateNew busState = iota
	stateRunning
	stateStopping
	stateStopped
)

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     uint64 `json:"published"`
	Dispatched    uint64 `json:"dispatched"`
	Delivered     uint64 `json:"delivered"`
	Failed        uint64 `json:"failed"`
	Pending       int    `json:"pending"`
	Subscriptions int    `json:"subscriptions"`
}

// Bus is the in-process priority event bus.
type Bus struct {
	logger         Logger
	handlerTimeout time.Duration
	history        *History

	mu      sync.Mutex
	state   busState
	bands   [numPriorities][]Event
	pending int
	busy    bool
	subs    []*Subscription
	seq     uint64
	waiters map[string]chan struct{}
	idle    chan struct{}

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	cancel   context.CancelFunc

	published  atomic.Uint64
	dispatched atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
}

type dispatchKey struct{}

// New creates a bus. Events may be published and handlers subscribed before
// Start; queued events are dispatched once the loop runs.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:  nopLogger{},
		history: NewHistory(DefaultHistorySize),
		waiters: make(map[string]chan struct{}),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the dispatch loop. The loop runs until Stop; ctx only
// supplies values to handler contexts. Starting twice is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateRunning, stateStopping:
		return nil
	case stateStopped:
		return ErrBusStopped
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.state = stateRunning
	go b.run(loopCtx)

	b.logger.Debug("Event bus started", "pending", b.pending)
	return nil
}

// Stop dispatches whatever is still queued and then stops the loop. If ctx
// expires first the loop is cancelled and ErrShutdownTimeout is returned.
// After Stop, Publish and Subscribe fail with ErrBusStopped.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case stateNew:
		b.state = stateStopped
		b.mu.Unlock()
		return nil
	case stateStopped:
		b.mu.Unlock()
		return nil
	}
	b.state = stateStopping
	b.mu.Unlock()

	b.quitOnce.Do(func() { close(b.quit) })

	var err error
	select {
	case <-b.done:
	case <-ctx.Done():
		err = ErrShutdownTimeout
	}
	b.cancel()

	b.mu.Lock()
	b.state = stateStopped
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("Event bus stopped before queue drained", "pending", b.Pending())
		return err
	}
	b.logger.Debug("Event bus stopped")
	return nil
}

// Publish queues an event and records it in the history. It never blocks
// on handlers. Missing ID, Timestamp and Source are filled in.
func (b *Bus) Publish(event Event) error {
	event, err := prepare(event)
	if err != nil {
		return err
	}
	return b.enqueue(event)
}

// PublishAndWait publishes an event and blocks until every handler for it
// has run or ctx is done. It must not be called from inside a handler.
func (b *Bus) PublishAndWait(ctx context.Context, event Event) error {
	if inDispatch(ctx) {
		return ErrCalledFromHandler
	}
	event, err := prepare(event)
	if err != nil {
		return err
	}

	processed := make(chan struct{})
	b.mu.Lock()
	b.waiters[event.ID] = processed
	b.mu.Unlock()

	if err := b.enqueue(event); err != nil {
		b.dropWaiter(event.ID)
		return err
	}

	select {
	case <-processed:
		return nil
	case <-ctx.Done():
		b.dropWaiter(event.ID)
		return fmt.Errorf("waiting for %s: %w", event.Type, ctx.Err())
	}
}

// Drain blocks until the queue is empty and no event is being dispatched.
func (b *Bus) Drain(ctx context.Context) error {
	if inDispatch(ctx) {
		return ErrCalledFromHandler
	}
	for {
		b.mu.Lock()
		if b.pending == 0 && !b.busy {
			b.mu.Unlock()
			return nil
		}
		if b.idle == nil {
			b.idle = make(chan struct{})
		}
		idle := b.idle
		b.mu.Unlock()

		select {
		case <-idle:
		case <-b.done:
			if b.Pending() > 0 {
				return ErrBusStopped
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("draining event bus: %w", ctx.Err())
		}
	}
}

// Subscribe registers handler for eventType on behalf of module. eventType
// may be an exact type, "*", or a prefix pattern ending in "*".
func (b *Bus) Subscribe(eventType string, handler Handler, module string, priority Priority, opts ...SubscribeOption) (*Subscription, error) {
	if eventType == "" {
		return nil, ErrEventTypeEmpty
	}
	if handler == nil {
		return nil, ErrHandlerNil
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(priority))
	}

	sub := newSubscription(eventType, module, priority, handler)
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateStopped {
		return nil, ErrBusStopped
	}
	b.seq++
	sub.seq = b.seq
	sub.bus = b
	b.subs = append(b.subs, sub)

	b.logger.Debug("Subscribed", "event", eventType, "module", module, "priority", priority, "subscription", sub.id)
	return sub, nil
}

// Unsubscribe revokes a subscription. Unsubscribing twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	if sub.bus != b {
		return ErrSubscriptionOwner
	}
	sub.cancelled.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s *Subscription) bool { return s == sub })
	return nil
}

// UnsubscribeModule revokes every subscription owned by module and returns
// how many were removed.
func (b *Bus) UnsubscribeModule(module string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := len(b.subs)
	b.subs = slices.DeleteFunc(b.subs, func(s *Subscription) bool {
		if s.module != module {
			return false
		}
		s.cancelled.Store(true)
		return true
	})
	removed := before - len(b.subs)
	if removed > 0 {
		b.logger.Debug("Removed module subscriptions", "module", module, "count", removed)
	}
	return removed
}

// SubscriberCount returns the number of subscriptions whose pattern matches
// eventType.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, s := range b.subs {
		if matchesTopic(eventType, s.eventType) {
			n++
		}
	}
	return n
}

// Topics returns the distinct subscribed types and patterns.
func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics := make([]string, 0, len(b.subs))
	for _, s := range b.subs {
		if !slices.Contains(topics, s.eventType) {
			topics = append(topics, s.eventType)
		}
	}
	return topics
}

// History returns the history buffer.
func (b *Bus) History() *History {
	return b.history
}

// Pending returns the number of queued, undispatched events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	pending, subs := b.pending, len(b.subs)
	b.mu.Unlock()

	return Stats{
		Published:     b.published.Load(),
		Dispatched:    b.dispatched.Load(),
		Delivered:     b.delivered.Load(),
		Failed:        b.failed.Load(),
		Pending:       pending,
		Subscriptions: subs,
	}
}

func prepare(event Event) (Event, error) {
	if event.Type == "" {
		return event, ErrEventTypeEmpty
	}
	if !event.Priority.Valid() {
		return event, fmt.Errorf("%w: %d", ErrInvalidPriority, int(event.Priority))
	}
	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = SourceCore
	}
	return event, nil
}

// enqueue appends to history and queue under one lock so that history order
// matches enqueue order for concurrent publishers.
func (b *Bus) enqueue(event Event) error {
	b.mu.Lock()
	if b.state == stateStopped {
		b.mu.Unlock()
		return ErrBusStopped
	}
	b.history.Append(event)
	b.bands[event.Priority] = append(b.bands[event.Priority], event)
	b.pending++
	b.mu.Unlock()

	b.published.Add(1)
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) dropWaiter(id string) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
}

// next pops the oldest event of the highest non-empty band.
func (b *Bus) next() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for p := numPriorities - 1; p >= 0; p-- {
		band := b.bands[p]
		if len(band) == 0 {
			continue
		}
		event := band[0]
		band[0] = Event{}
		if len(band) == 1 {
			b.bands[p] = band[:0]
		} else {
			b.bands[p] = band[1:]
		}
		b.pending--
		b.busy = true
		return event, true
	}

	b.busy = false
	if b.idle != nil {
		close(b.idle)
		b.idle = nil
	}
	return Event{}, false
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)

	for {
		if event, ok := b.next(); ok {
			b.dispatch(ctx, event)
			continue
		}
		select {
		case <-b.wake:
		case <-b.quit:
			for ctx.Err() == nil {
				event, ok := b.next()
				if !ok {
					return
				}
				b.dispatch(ctx, event)
			}
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event Event) {
	b.dispatched.Add(1)
	defer b.complete(event.ID)

	for _, sub := range b.matching(event.Type) {
		if !sub.Active() {
			continue
		}
		err := b.invoke(ctx, sub, event)
		switch {
		case err == nil:
			b.delivered.Add(1)
		case errors.Is(err, errFiltered):
		case errors.Is(err, ErrStopPropagation):
			b.delivered.Add(1)
			b.logger.Debug("Event propagation stopped", "event", event.Type, "module", sub.module)
			return
		default:
			b.failed.Add(1)
			b.reportFailure(sub, event, err)
		}
	}
}

func (b *Bus) complete(id string) {
	b.mu.Lock()
	if ch, ok := b.waiters[id]; ok {
		close(ch)
		delete(b.waiters, id)
	}
	b.mu.Unlock()
}

// matching snapshots the active subscriptions for eventType in invocation
// order. b.subs is kept in subscription order, so a stable sort on priority
// preserves that order among equal priorities.
func (b *Bus) matching(eventType string) []*Subscription {
	b.mu.Lock()
	out := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if matchesTopic(eventType, s.eventType) {
			out = append(out, s)
		}
	}
	b.mu.Unlock()

	slices.SortStableFunc(out, func(x, y *Subscription) int {
		return cmp.Compare(y.priority, x.priority)
	})
	return out
}

var errFiltered = errors.New("filtered")

func (b *Bus) invoke(ctx context.Context, sub *Subscription, event Event) error {
	hctx := context.WithValue(ctx, dispatchKey{}, sub.id)
	if b.handlerTimeout <= 0 {
		return callHandler(hctx, sub, event)
	}

	hctx, cancel := context.WithTimeout(hctx, b.handlerTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- callHandler(hctx, sub, event)
	}()

	select {
	case err := <-result:
		return err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrHandlerTimeout, b.handlerTimeout)
		}
		return hctx.Err()
	}
}

func callHandler(ctx context.Context, sub *Subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	if sub.filter != nil && !sub.filter(event) {
		return errFiltered
	}
	return sub.handler(ctx, event)
}

func (b *Bus) reportFailure(sub *Subscription, event Event, err error) {
	b.logger.Error("Event handler failed",
		"event", event.Type,
		"eventId", event.ID,
		"module", sub.module,
		"subscription", sub.id,
		"error", err)

	// A failing handler.failed handler is only logged.
	if event.Type == EventHandlerFailed {
		return
	}
	failure := NewEvent(EventHandlerFailed, SourceCore, HandlerFailure{
		EventID:        event.ID,
		EventType:      event.Type,
		Module:         sub.module,
		SubscriptionID: sub.id,
		Error:          err.Error(),
	}, PriorityHigh)
	if perr := b.enqueue(failure); perr != nil {
		b.logger.Debug("Failed to publish handler failure", "event", event.Type, "error", perr)
	}
}

func inDispatch(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	_, ok := ctx.Value(dispatchKey{}).(string)
	return ok
}
