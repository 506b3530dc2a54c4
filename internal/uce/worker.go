// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package uce

import "sync"

// worker is the controller's single serialized execution context. Every
// lifecycle transition, buffer mutation and event dispatch runs on its one
// goroutine in FIFO order, which is what makes the replay-exactly-once
// guarantee hold without a coarse lock.
type worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

func newWorker() *worker {
	w := &worker{done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

func (w *worker) loop() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.stopped {
			w.mu.Unlock()
			close(w.done)
			return
		}
		task := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		task()
	}
}

// submit enqueues a task. It reports false once the worker is stopping;
// callers treat that the same as the destroyed latch.
func (w *worker) submit(task func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return false
	}
	w.queue = append(w.queue, task)
	w.cond.Signal()
	return true
}

// stop lets the loop drain the remaining queue and exit. Safe to call from
// any goroutine, including a task running on the loop itself, and safe to
// call more than once.
func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Signal()
	w.mu.Unlock()
}

// wait blocks until the loop has exited.
func (w *worker) wait() {
	<-w.done
}
