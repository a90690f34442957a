// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs training loops where every step takes its gradient from a gradient estimator, and
// offers hooks to attach functionality (statistics, reports, logging) to the loop.
package train

import (
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/gradestim/pkg/ml/estimator"
	"github.com/gomlx/gradestim/pkg/ml/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks. loss is the loss of the step just executed.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is the type of OnEnd hooks. loss is the loss of the last step executed.
type OnEndFn func(loop *Loop, loss float64) error

// Updater applies the weight update of one training step to m, from the gradients in the parameter gradient
// slots of m. It's typically an optimizer, provided by the caller.
type Updater interface {
	Update(m model.Model) error
}

// UpdateFn adapts a function to the Updater interface.
type UpdateFn func(m model.Model) error

// Update implements Updater.
func (fn UpdateFn) Update(m model.Model) error { return fn(m) }

// Loop runs a training loop: at every step it informs the estimator of the iteration number, asks it for the
// gradient of the model (stored in place, in the parameter gradient slots), applies the Updater and calls
// the appropriate hooks.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	Estimator estimator.GradEstimator
	Model     model.Model
	Updater   Updater

	// LoopStep currently being executed. It starts at 0 and it is not reset between runs.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	StartStep int

	// EndStep is one-past the last step to be executed.
	EndStep int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during the last run.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop of m, with gradients from e and weight updates from updater.
func NewLoop(e estimator.GradEstimator, m model.Model, updater Updater) *Loop {
	return &Loop{
		Estimator:  e,
		Model:      m,
		Updater:    updater,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// start of loop: it calls the OnStart hooks.
func (loop *Loop) start() error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step executes one training step and calls the OnStep hooks.
// It checks for NaN or infinite losses before the weights are updated, and returns an error accordingly.
func (loop *Loop) step() (loss float64, err error) {
	startTime := time.Now()
	loop.Estimator.Core().UpdateNIters(loop.LoopStep)
	result, err := loop.Estimator.Grad(loop.Model, true)
	if err != nil {
		return 0, err
	}
	loss = result.Loss
	if math.IsNaN(loss) {
		return 0, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(loss, 0) {
		return 0, errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	if err = loop.Updater.Update(loop.Model); err != nil {
		return 0, errors.WithMessage(err, "weights update")
	}
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))

	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, loss); err != nil {
			return 0, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	return loss, nil
}

// end of loop: it calls the OnEnd hooks.
func (loop *Loop) end(loss float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// It returns the loss of the last step.
func (loop *Loop) RunSteps(steps int) (loss float64, err error) {
	if steps <= 0 {
		return 0, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	if err = loop.start(); err != nil {
		return 0, err
	}
	klog.V(1).Infof("train: running steps %d to %d with %s", loop.StartStep, loop.EndStep-1,
		loop.Estimator.Core())
	for ; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		loss, err = loop.step()
		if err != nil {
			return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed train step (LoopStep=%d)",
				steps, loop.LoopStep)
		}
	}
	if err = loop.end(loss); err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return loss, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after the weights were updated.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
