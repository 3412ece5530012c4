// Package health aggregates named health checks into a single report with
// worst-state semantics. The admin API serves the report for readiness
// probes.
package health

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

var (
	ErrHealthCheckNotFound = errors.New("health check not found")
	ErrDuplicateCheck      = errors.New("health check already registered")
	ErrCheckNameEmpty      = errors.New("health check name cannot be empty")
)

// Status is the outcome of a check. Statuses are ordered; the aggregate
// takes the worst of its checks.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusWarning:
		return 1
	case StatusUnknown:
		return 2
	default:
		return 3
	}
}

// Worse returns the worse of two statuses.
func Worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Checker is a single named health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) (Result, error)
}

// Result is the outcome of one check. Name, Timestamp and Duration are
// filled in by the aggregator.
type Result struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
}

// Summary counts results by status.
type Summary struct {
	Total    int `json:"total"`
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Unknown  int `json:"unknown"`
}

// Report is the aggregated status of every registered check.
type Report struct {
	Status    Status            `json:"status"`
	Ready     bool              `json:"ready"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Result `json:"checks"`
	Summary   Summary           `json:"summary"`
}

// Aggregator runs registered checks concurrently.
type Aggregator struct {
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]Result
}

// NewAggregator creates an aggregator. A non-positive timeout selects
// DefaultTimeout.
func NewAggregator(timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Aggregator{
		timeout:  timeout,
		checkers: make(map[string]Checker),
		last:     make(map[string]Result),
	}
}

// Register adds a check.
func (a *Aggregator) Register(c Checker) error {
	name := c.Name()
	if name == "" {
		return ErrCheckNameEmpty
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.checkers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCheck, name)
	}
	a.checkers[name] = c
	return nil
}

// Unregister removes a check and its last result.
func (a *Aggregator) Unregister(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.checkers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrHealthCheckNotFound, name)
	}
	delete(a.checkers, name)
	delete(a.last, name)
	return nil
}

// Names returns the registered check names, sorted.
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Sorted(maps.Keys(a.checkers))
}

// CheckAll runs every check and aggregates the results. With no checks
// registered the report is healthy.
func (a *Aggregator) CheckAll(ctx context.Context) Report {
	a.mu.RLock()
	checkers := slices.Collect(maps.Values(a.checkers))
	a.mu.RUnlock()

	results := make([]Result, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = a.run(ctx, c)
		}()
	}
	wg.Wait()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]Result, len(results)),
	}
	a.mu.Lock()
	for _, r := range results {
		a.last[r.Name] = r
		report.Checks[r.Name] = r
		report.Status = Worse(report.Status, r.Status)
		report.Summary.add(r.Status)
	}
	a.mu.Unlock()
	report.Ready = report.Status == StatusHealthy || report.Status == StatusWarning
	return report
}

// CheckOne runs a single check by name.
func (a *Aggregator) CheckOne(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	c, ok := a.checkers[name]
	a.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrHealthCheckNotFound, name)
	}
	r := a.run(ctx, c)
	a.mu.Lock()
	a.last[name] = r
	a.mu.Unlock()
	return r, nil
}

// Last returns the most recent result of a check.
func (a *Aggregator) Last(name string) (Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.last[name]
	return r, ok
}

func (a *Aggregator) run(ctx context.Context, c Checker) (r Result) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r = Result{Status: StatusCritical, Error: fmt.Sprintf("panic: %v", p)}
		}
		r.Name = c.Name()
		r.Timestamp = start
		r.Duration = time.Since(start)
	}()

	r, err := c.Check(ctx)
	if err != nil {
		r.Status = StatusCritical
		r.Error = err.Error()
	}
	if r.Status == "" {
		r.Status = StatusUnknown
	}
	return r
}

func (s *Summary) add(status Status) {
	s.Total++
	switch status {
	case StatusHealthy:
		s.Healthy++
	case StatusWarning:
		s.Warning++
	case StatusCritical:
		s.Critical++
	default:
		s.Unknown++
	}
}
