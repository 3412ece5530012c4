// Package scheduler publishes events on cron schedules: the periodic
// server tick and any schedules listed in the server configuration.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/config"
	"github.com/GoCodeAlone/modcore/eventbus"
)

// Source is the event source of everything the scheduler publishes.
const Source = "scheduler"

var (
	ErrSchedulerStarted = errors.New("scheduler already started")
	ErrInvalidSpec      = errors.New("invalid schedule spec")
	ErrEventTypeEmpty   = errors.New("scheduled event type cannot be empty")
)

// Publisher is the part of the event bus the scheduler needs.
type Publisher interface {
	Publish(event eventbus.Event) error
}

// TickPayload is the payload of server.tick.
type TickPayload struct {
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`
}

// Entry describes a registered schedule.
type Entry struct {
	ID       int               `json:"id"`
	Event    string            `json:"event"`
	Spec     string            `json:"spec"`
	Priority eventbus.Priority `json:"priority"`
	Next     time.Time         `json:"next"`
	Prev     time.Time         `json:"prev,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger modcore.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTickRate publishes server.tick at the given interval. Intervals under
// a second are rounded up to one second by the cron engine.
func WithTickRate(d time.Duration) Option {
	return func(s *Scheduler) {
		s.tickRate = d
	}
}

// WithSchedules adds configured schedules.
func WithSchedules(schedules ...config.ScheduleConfig) Option {
	return func(s *Scheduler) {
		s.pending = append(s.pending, schedules...)
	}
}

// WithLocation evaluates schedules in loc instead of the local time zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

// Scheduler is a modcore.Service that publishes events from cron jobs.
type Scheduler struct {
	publisher Publisher
	logger    modcore.Logger
	tickRate  time.Duration
	location  *time.Location
	pending   []config.ScheduleConfig

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[cron.EntryID]Entry
	started bool
	ticks   atomic.Uint64
}

var _ modcore.Service = (*Scheduler)(nil)

// New creates a scheduler publishing to publisher.
func New(publisher Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		publisher: publisher,
		logger:    nopLogger{},
		location:  time.Local,
		entries:   make(map[cron.EntryID]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return s
}

// Start registers the tick and the configured schedules and starts the
// cron engine. A schedule with an invalid spec fails Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSchedulerStarted
	}
	s.mu.Unlock()

	if s.tickRate > 0 {
		if _, err := s.addJob(fmt.Sprintf("@every %s", s.tickRate), modcore.EventServerTick, eventbus.PriorityLow, s.tick); err != nil {
			return err
		}
	}
	for _, sc := range s.pending {
		if _, err := s.Add(sc); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("Scheduler started", "schedules", len(s.Entries()), "tickRate", s.tickRate)
	return nil
}

// Stop stops the cron engine and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	jobsDone := s.cron.Stop()
	select {
	case <-jobsDone.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}
}

// Add registers a schedule publishing sc.Event. It may be called before or
// after Start.
func (s *Scheduler) Add(sc config.ScheduleConfig) (int, error) {
	if sc.Event == "" {
		return 0, ErrEventTypeEmpty
	}
	payload := maps.Clone(sc.Payload)
	job := func() {
		s.publish(eventbus.NewEvent(sc.Event, Source, payload, sc.Priority))
	}
	return s.addJob(sc.Spec, sc.Event, sc.Priority, job)
}

// Remove unregisters a schedule.
func (s *Scheduler) Remove(id int) {
	s.cron.Remove(cron.EntryID(id))
	s.mu.Lock()
	delete(s.entries, cron.EntryID(id))
	s.mu.Unlock()
}

// Entries lists registered schedules ordered by ID, with their next and
// previous run times.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, ce := range s.cron.Entries() {
		if e, ok := s.entries[ce.ID]; ok {
			e.Next, e.Prev = ce.Next, ce.Prev
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.ID - b.ID })
	return out
}

// Ticks returns how many ticks have been published.
func (s *Scheduler) Ticks() uint64 { return s.ticks.Load() }

func (s *Scheduler) addJob(spec, event string, priority eventbus.Priority, job func()) (int, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("%w %q for %s: %w", ErrInvalidSpec, spec, event, err)
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(job))

	s.mu.Lock()
	s.entries[id] = Entry{ID: int(id), Event: event, Spec: spec, Priority: priority}
	s.mu.Unlock()
	s.logger.Debug("Registered schedule", "event", event, "spec", spec, "id", id)
	return int(id), nil
}

func (s *Scheduler) tick() {
	seq := s.ticks.Add(1)
	s.publish(eventbus.NewEvent(modcore.EventServerTick, Source,
		TickPayload{Sequence: seq, Time: time.Now()}, eventbus.PriorityLow))
}

func (s *Scheduler) publish(event eventbus.Event) {
	if err := s.publisher.Publish(event); err != nil {
		s.logger.Warn("Failed to publish scheduled event", "event", event.Type, "error", err)
	}
}
