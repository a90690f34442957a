// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices defines explicit device handles on which gradient work is placed.
//
// A Device owns an asynchronous FIFO stream: work enqueued with Device.Go runs in order on the device's
// own goroutine, and Device.Synchronize is the "wait until the device is idle" barrier. Nothing is
// shared implicitly across devices: tensors (see package tensors) are tagged with the Device they live
// on, and moving data between devices is always an explicit transfer.
//
// A Mesh is an ordered set of distinct devices, where the device at position 0 is the "authoritative" one
// for replicated computations.
package devices

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// streamBufferSize is the number of tasks that can be enqueued before Device.Go blocks.
const streamBufferSize = 64

// Device is a handle to a compute device with its own asynchronous work stream.
//
// Create it with New, and release its goroutine with Finalize.
// A nil *Device represents the host.
type Device struct {
	num  int
	name string

	tasks chan func() error

	// mu protects the fields below.
	mu        sync.Mutex
	idle      *sync.Cond // Broadcast whenever pending reaches 0.
	pending   int
	err       error
	finalized bool
}

// New creates a new Device with the given device number and starts its stream.
func New(num int) *Device {
	d := &Device{
		num:   num,
		name:  fmt.Sprintf("device:%d", num),
		tasks: make(chan func() error, streamBufferSize),
	}
	d.idle = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Num returns the device number. The host is -1.
func (d *Device) Num() int {
	if d == nil {
		return -1
	}
	return d.num
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	if d == nil {
		return "host"
	}
	return d.name
}

// run executes the stream tasks in order, until the stream is closed.
func (d *Device) run() {
	for task := range d.tasks {
		d.mu.Lock()
		failed := d.err != nil
		d.mu.Unlock()

		// Once a task failed, the rest of the round is skipped until Synchronize.
		var err error
		if !failed {
			var taskErr error
			err = exceptions.TryCatch[error](func() { taskErr = task() })
			if err == nil {
				err = taskErr
			}
		}

		d.mu.Lock()
		if err != nil && d.err == nil {
			d.err = errors.WithMessagef(err, "task on %s failed", d)
		}
		d.pending--
		if d.pending == 0 {
			d.idle.Broadcast()
		}
		d.mu.Unlock()
	}
}

// Go enqueues the task in the device stream and returns immediately.
//
// Tasks run in the order they were enqueued. Errors (or panics carrying an error) are reported by the
// next call to Synchronize. It panics if the device has been finalized.
//
// If d is nil (the host), the task is run inline and its error is returned.
func (d *Device) Go(task func() error) error {
	if d == nil {
		return task()
	}
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		exceptions.Panicf("Device.Go(): %s has already been finalized", d)
	}
	d.pending++
	d.mu.Unlock()
	d.tasks <- task
	return nil
}

// Synchronize waits until all the work enqueued in the device stream is done.
//
// It returns the first error of the tasks run since the last Synchronize, and clears it.
func (d *Device) Synchronize() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 {
		d.idle.Wait()
	}
	err := d.err
	d.err = nil
	return err
}

// Finalize waits for pending work and stops the device stream. It is idempotent.
func (d *Device) Finalize() {
	if d == nil {
		return
	}
	_ = d.Synchronize()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return
	}
	d.finalized = true
	close(d.tasks)
}
