// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"
)

// nTimes is used to implement NTimesDuringLoop.
type nTimes struct {
	n, nUsed int
	fn       OnStepFn
}

func (nT *nTimes) onStep(loop *Loop, batchLoss float64) error {
	stepsDone := (loop.LoopStep - loop.StartStep) + 1 // Current LoopStep just finished.
	if loop.EndStep < 0 {
		// End not known, run steps in powers of 2, starting at 128.
		if stepsDone < (128 << nT.nUsed) {
			return nil
		}
	} else if loop.LoopStep < loop.EndStep-1 { // Last step (LoopStep == EndStep-1) is always included.
		totalSteps := loop.EndStep - loop.StartStep
		stepsPerCall := float64(totalSteps) / float64(nT.n)
		if stepsPerCall > 1 && float64(nT.nUsed) > float64(stepsDone)/stepsPerCall {
			return nil
		}
	}
	nT.nUsed++
	return nT.fn(loop, batchLoss)
}

// NTimesDuringLoop registers a OnStep hook on the loop that is called at most N times, split evenly
// across all steps.
//
// It always calls `fn` at the very last step.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	nT := &nTimes{n: n, fn: fn}
	loop.OnStep(fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority, nT.onStep)
}

// EveryNEpochs registers a OnEpoch hook on the loop that is called every N epochs, e.g. for checkpointing.
// If callOnEnd is set, it is also called at the end of the loop, unless the last epoch already called it.
func EveryNEpochs(loop *Loop, n int, callOnEnd bool, name string, priority Priority, fn OnEpochFn) {
	count, lastCalled := 0, -1
	fullName := fmt.Sprintf("EveryNEpochs(%d): %s", n, name)
	loop.OnEpoch(fullName, priority, func(loop *Loop, metrics EpochMetrics) error {
		count++
		if count%n != 0 {
			return nil
		}
		lastCalled = count
		return fn(loop, metrics)
	})
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, metrics EpochMetrics) error {
			if lastCalled == count {
				return nil
			}
			return fn(loop, metrics)
		})
	}
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, batchLoss float64) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, batchLoss)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an `OnStep` hook on the loop that is called every period of time.
// The period counts after the execution of `OnStep`: this discounts the time to run `OnStep` (in case it is expensive).
// By other hand, OnStep is not executed exactly at every `period` time.
func PeriodicCallback(loop *Loop, period time.Duration, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	loop.OnStep(fmt.Sprintf("PeriodicCallback(%s): %s", period, name), priority, p.onStep)
}
