package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/config"
	"github.com/GoCodeAlone/modcore/eventbus"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(e eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) byType(eventType string) []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []eventbus.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestSchedulerTickPayload(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, WithTickRate(time.Second))

	s.tick()
	s.tick()

	ticks := pub.byType(modcore.EventServerTick)
	require.Len(t, ticks, 2)
	assert.Equal(t, eventbus.PriorityLow, ticks[0].Priority)
	assert.Equal(t, Source, ticks[0].Source)
	assert.Equal(t, uint64(2), ticks[1].Payload.(TickPayload).Sequence)
	assert.Equal(t, uint64(2), s.Ticks())
}

func TestSchedulerEntries(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub,
		WithTickRate(5*time.Second),
		WithLocation(time.UTC),
		WithSchedules(config.ScheduleConfig{Event: "game.cleanup", Spec: "*/5 * * * *", Priority: eventbus.PriorityHigh}),
	)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, modcore.EventServerTick, entries[0].Event)
	assert.Equal(t, "@every 5s", entries[0].Spec)
	assert.Equal(t, "game.cleanup", entries[1].Event)
	assert.Equal(t, eventbus.PriorityHigh, entries[1].Priority)
	for _, e := range entries {
		assert.False(t, e.Next.IsZero(), "%s has no next run", e.Event)
	}

	s.Remove(entries[1].ID)
	assert.Len(t, s.Entries(), 1)

	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerStarted)
}

func TestSchedulerRejectsBadSchedules(t *testing.T) {
	s := New(&recordingPublisher{})

	_, err := s.Add(config.ScheduleConfig{Event: "x", Spec: "whenever"})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = s.Add(config.ScheduleConfig{Spec: "@hourly"})
	assert.ErrorIs(t, err, ErrEventTypeEmpty)

	bad := New(&recordingPublisher{}, WithSchedules(config.ScheduleConfig{Event: "x", Spec: "61 * * * *"}))
	assert.ErrorIs(t, bad.Start(context.Background()), ErrInvalidSpec)
}

func TestSchedulerPublishesOnSchedule(t *testing.T) {
	bus := eventbus.New()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	s := New(bus,
		WithTickRate(time.Second),
		WithSchedules(config.ScheduleConfig{Event: "game.autosave", Spec: "@every 1s", Payload: map[string]any{"slot": 1}}),
	)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(bus.History().Query(eventbus.HistoryFilter{Type: modcore.EventServerTick})) > 0 &&
			len(bus.History().Query(eventbus.HistoryFilter{Type: "game.autosave"})) > 0
	}, 4*time.Second, 50*time.Millisecond)

	saves := bus.History().Query(eventbus.HistoryFilter{Type: "game.autosave", Limit: 1})
	assert.Equal(t, map[string]any{"slot": 1}, saves[0].Payload)
	assert.Equal(t, Source, saves[0].Source)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "stopping twice is a no-op")
}
