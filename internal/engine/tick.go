package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine drives one model forward in real time for live serving. Reads go
// through View so API handlers see a consistent model between ticks.
type Engine struct {
	mu    sync.RWMutex
	model *Model

	speed    float64       // multiplier: 1.0 = one tick per Interval, 0 = paused
	Interval time.Duration // base tick interval
	MaxSteps int           // 0 runs until stopped

	Options RunOptions

	stop    chan struct{}
	running bool
}

// NewEngine wraps a model with default pacing.
func NewEngine(m *Model) *Engine {
	return &Engine{
		model:    m,
		speed:    1.0,
		Interval: 100 * time.Millisecond,
		stop:     make(chan struct{}),
	}
}

// Run steps the model until the context ends, Stop is called, MaxSteps ticks
// have run, or a tick fails.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.running = true
	start := e.model.State.StepNo
	e.mu.Unlock()
	slog.Info("simulation engine started", "tick", start, "speed", e.Speed())

	defer func() {
		e.mu.Lock()
		e.running = false
		tick := e.model.State.StepNo
		e.mu.Unlock()
		slog.Info("simulation engine stopped", "tick", tick, "time", SimTime(tick))
	}()

	for done := 0; e.MaxSteps == 0 || done < e.MaxSteps; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		default:
		}

		speed := e.Speed()
		if speed <= 0 {
			// Paused: check again shortly.
			if err := sleep(ctx, 100*time.Millisecond); err != nil {
				return err
			}
			continue
		}

		begin := time.Now()
		e.mu.Lock()
		opts := e.Options
		err := e.model.Run(ctx, 1, opts)
		e.mu.Unlock()
		if err != nil {
			return err
		}
		done++

		target := time.Duration(float64(e.Interval) / speed)
		if elapsed := time.Since(begin); elapsed < target {
			if err := sleep(ctx, target-elapsed); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stop halts the loop after the current tick. It is safe to call once.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Speed returns the current pacing multiplier.
func (e *Engine) Speed() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.speed
}

// SetSpeed changes the pacing multiplier; 0 pauses.
func (e *Engine) SetSpeed(s float64) error {
	if s < 0 {
		return fmt.Errorf("speed %g: must not be negative", s)
	}
	e.mu.Lock()
	e.speed = s
	e.mu.Unlock()
	return nil
}

// View runs fn with read access to the model.
func (e *Engine) View(fn func(m *Model)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.model)
}

// Update runs fn with exclusive access to the model, between ticks.
func (e *Engine) Update(fn func(m *Model) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.model)
}

// SimTime renders a tick as simulated wall time, e.g. "Day 3, 14:45".
func SimTime(tick int) string {
	day := tick / TicksPerDay
	minutes := (tick % TicksPerDay) * (24 * 60 / TicksPerDay)
	return fmt.Sprintf("Day %d, %02d:%02d", day, minutes/60, minutes%60)
}
