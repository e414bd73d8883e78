// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the training loop of one worker: Trainer runs the steps and evaluations of a
// network, and Loop drives it over epochs, calling the registered hooks.
package train

import (
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/shardbench/pkg/ml/data"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, loader *data.Loader) error

// OnStepFn is the type of OnStep hooks. batchLoss is the mean loss per example of the batch just trained,
// on this worker.
type OnStepFn func(loop *Loop, batchLoss float64) error

// OnEpochFn is the type of OnEpoch hooks: metrics are the ones of the epoch just finished, combined
// across workers if the trainer reduces them.
type OnEpochFn func(loop *Loop, metrics EpochMetrics) error

// OnEndFn is the type of OnEnd hooks. metrics are the ones of the last epoch.
type OnEndFn func(loop *Loop, metrics EpochMetrics) error

// Loop runs a training loop, invoking Trainer.TrainStep every step, reducing the metrics at the end of
// every epoch, and calling the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like evaluation, learning rate
// schedules, checkpointing, progress bars, etc.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// LoopStep currently being executed, counting from 0 across runs.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step is not known yet: when running
	// for multiple epochs it is extrapolated after the first epoch.
	EndStep int

	// Epoch currently running, starting from 0.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// EpochDurations collected during training, including the time spent in OnEpoch hooks.
	EpochDurations []time.Duration

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEpoch *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		EndStep:    -1,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpoch:    newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// start of loop, called by all looping methods.
func (loop *Loop) start(loader *data.Loader) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, loader); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step trains one batch and calls the OnStep hooks.
func (loop *Loop) step(batch data.Batch) (lossSum float64, err error) {
	startTime := time.Now()
	lossSum, err = loop.Trainer.TrainStep(batch)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return 0, err
	}

	batchLoss := lossSum / float64(max(batch.Size(), 1))
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, batchLoss); err != nil {
			return 0, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	if math.IsNaN(batchLoss) {
		return 0, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(batchLoss, 0) {
		return 0, errors.Errorf("batch loss is infinity (%f), training interrupted", batchLoss)
	}
	return lossSum, nil
}

// endEpoch reduces the epoch metrics and calls the OnEpoch hooks.
func (loop *Loop) endEpoch(local EpochMetrics) (EpochMetrics, error) {
	metrics, err := loop.Trainer.ReduceEpoch(local)
	if err != nil {
		return local, errors.WithMessagef(err, "epoch %d", loop.Epoch)
	}
	for hook := range loop.onEpoch.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return metrics, errors.WithMessagef(err, "OnEpoch(hook %q)", hook.name)
		}
	}
	return metrics, nil
}

// end of loop, called by all looping methods.
func (loop *Loop) end(metrics EpochMetrics) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunEpochs trains for the given number of epochs over the batches of the loader. The loader's epoch is
// set at the start of each epoch, so partitions reshuffle in lockstep across workers.
//
// At the end of each epoch the metrics are reduced across workers (a blocking collective) and the OnEpoch
// hooks are called. It returns the metrics of the last epoch.
//
// StartStep is adjusted to the current LoopStep, so it can be called multiple times, and it will simply
// pick up where it left off last time.
func (loop *Loop) RunEpochs(loader *data.Loader, epochs int) (metrics EpochMetrics, err error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	if loader.NumBatches() > 0 {
		loop.EndStep = loop.StartStep + loader.NumBatches()*epochs
	}
	loop.TrainStepDurations = nil
	loop.EpochDurations = nil
	if err = loop.start(loader); err != nil {
		return
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		epochStart := time.Now()
		loader.SetEpoch(loop.Epoch)
		var local EpochMetrics
		for batch := range loader.All() {
			lossSum, err := loop.step(batch)
			if err != nil {
				return metrics, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep (epoch=%d, LoopStep=%d)",
					epochs, loop.Epoch, loop.LoopStep)
			}
			local.Add(lossSum, batch.Size())
			loop.LoopStep++
		}
		metrics, err = loop.endEpoch(local)
		loop.EpochDurations = append(loop.EpochDurations, time.Since(epochStart))
		if err != nil {
			return metrics, errors.WithMessagef(err, "Loop.RunEpochs(%d)", epochs)
		}
	}
	if err = loop.end(metrics); err != nil {
		return metrics, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return metrics, nil
}

// RunSteps trains for the given number of steps, starting new epochs over the loader as needed.
// Epoch boundaries reached during the run reduce the metrics and call the OnEpoch hooks as in RunEpochs.
// It returns the metrics of the (possibly partial) last epoch.
func (loop *Loop) RunSteps(loader *data.Loader, steps int) (metrics EpochMetrics, err error) {
	if steps <= 0 {
		return
	}
	if loader.NumBatches() == 0 {
		return metrics, errors.Errorf("Loop.RunSteps(%d): loader yields no batches", steps)
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.StartStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	loop.EpochDurations = nil
	if err = loop.start(loader); err != nil {
		return
	}
	for loop.Epoch = 0; loop.LoopStep < loop.EndStep; loop.Epoch++ {
		epochStart := time.Now()
		loader.SetEpoch(loop.Epoch)
		var local EpochMetrics
		for batch := range loader.All() {
			lossSum, err := loop.step(batch)
			if err != nil {
				return metrics, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)",
					steps, loop.LoopStep)
			}
			local.Add(lossSum, batch.Size())
			loop.LoopStep++
			if loop.LoopStep >= loop.EndStep {
				break
			}
		}
		metrics, err = loop.endEpoch(local)
		loop.EpochDurations = append(loop.EpochDurations, time.Since(epochStart))
		if err != nil {
			return metrics, errors.WithMessagef(err, "Loop.RunSteps(%d)", steps)
		}
	}
	if err = loop.end(metrics); err != nil {
		return metrics, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return metrics, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// MeanEpochDuration returns the average duration of the epochs of the last run, 0 if none ran.
func (loop *Loop) MeanEpochDuration() time.Duration {
	if len(loop.EpochDurations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range loop.EpochDurations {
		total += d
	}
	return total / time.Duration(len(loop.EpochDurations))
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpoch adds a hook with given priority and name (for error reporting) called at the end of each epoch,
// after the metrics are reduced across workers.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last epoch.
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
