package ble

import (
	"fmt"
	"log/slog"
	"sync"
)

// Worker runs transport commands one at a time on a dedicated goroutine and
// carries the resulting events. Transports use it to turn blocking stack
// calls into the non-blocking command / completion-event contract.
type Worker struct {
	jobs   chan func()
	events chan AdapterEvent
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

// NewWorker creates a worker with room for depth queued commands and depth
// undelivered events.
func NewWorker(depth int) *Worker {
	if depth <= 0 {
		depth = 64
	}
	return &Worker{
		jobs:   make(chan func(), depth),
		events: make(chan AdapterEvent, depth),
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine. Extra calls are no-ops.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go w.loop()
	})
}

func (w *Worker) loop() {
	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.done:
			return
		}
	}
}

// Submit queues job. It never blocks.
func (w *Worker) Submit(job func()) error {
	select {
	case <-w.done:
		return ErrTransportClosed
	default:
	}
	select {
	case w.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Emit delivers ev, blocking until it is consumed or the worker is closed.
// Call it from the worker goroutine only.
func (w *Worker) Emit(ev AdapterEvent) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// Post queues ev for delivery from the worker goroutine, preserving its order
// relative to command completions. It blocks while the job queue is full, so
// it must not be called from the worker goroutine. Use it from stack callbacks.
func (w *Worker) Post(ev AdapterEvent) {
	select {
	case w.jobs <- func() { w.Emit(ev) }:
	case <-w.done:
		slog.Debug("[BLE] worker closed, dropping adapter event", "event", fmt.Sprintf("%T", ev))
	}
}

// Events returns the adapter event channel. It is never closed.
func (w *Worker) Events() <-chan AdapterEvent {
	return w.events
}

// Close stops the worker. Queued commands are discarded.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
}
