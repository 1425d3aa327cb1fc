package main

import "time"

// BackoffState tracks the delay before the next spawn.
// current starts at restart_initial, doubles on each restart (saturating
// at maximum), and resets to restart_initial whenever the most recent run
// lasted at least cooloff. deadline is meaningful only while no child is
// running; it is cleared by the caller at spawn time.
type BackoffState struct {
	current  time.Duration
	hasDead  bool
	deadline time.Time
}

// NewBackoffState seeds current at restart_initial.
func NewBackoffState(cfg Config) *BackoffState {
	return &BackoffState{current: cfg.RestartInitial.Duration()}
}

// Deadline returns the scheduled spawn instant and whether one is set.
func (b *BackoffState) Deadline() (time.Time, bool) { return b.deadline, b.hasDead }

// ClearDeadline is called at spawn time.
func (b *BackoffState) ClearDeadline() { b.hasDead = false }

// Advance runs the post-reap state transition:
//  1. uptime = reapInstant - startedAt
//  2. if uptime >= cooloff, current resets to restart_initial
//  3. deadline = reapInstant + current
//  4. returns the delay just scheduled, for the "restarting in <fmt>" log
//  5. current = min(current*2, maximum), for the cycle after this one
//
// The delay returned is deliberately the pre-doubling value: doubling
// only affects the cycle following the one being scheduled now.
func (b *BackoffState) Advance(cfg Config, reapInstant time.Time, uptime time.Duration) time.Duration {
	if uptime >= cfg.Cooloff.Duration() {
		b.current = cfg.RestartInitial.Duration()
	}

	scheduled := b.current
	b.deadline = reapInstant.Add(scheduled)
	b.hasDead = true

	next := b.current * 2
	if max := cfg.Maximum.Duration(); next > max {
		next = max
	}
	b.current = next

	return scheduled
}
