// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/core/memsampler"
	"github.com/gomlx/shardbench/pkg/ml/checkpoints"
	"github.com/gomlx/shardbench/pkg/ml/data"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/ml/shard"
	"github.com/gomlx/shardbench/pkg/ml/train"
	"github.com/gomlx/shardbench/pkg/ml/train/optimizers"
	"github.com/gomlx/shardbench/pkg/support/xslices"
	"github.com/gomlx/shardbench/pkg/tracking"
	"github.com/gomlx/shardbench/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Network is a model as trained by a worker: a sharded model (shard.Model) or an unsharded
// replica (shard.Replica).
type Network interface {
	train.Network
	NumParams() int

	// StateDict returns the full values of the parameters. For sharded models it is a collective.
	StateDict() ([]nn.NamedTensor, error)
	LoadStateDict(state []nn.NamedTensor) error
	Release()
}

var (
	_ Network = (*shard.Model)(nil)
	_ Network = (*shard.Replica)(nil)
)

// Priorities of the hooks registered on the train.Loop.
const (
	priorityReport     train.Priority = 0
	priorityEval       train.Priority = 10
	prioritySchedule   train.Priority = 20
	priorityCheckpoint train.Priority = 30
	priorityTime       train.Priority = 100
)

// Result is what a worker reports at the end of its run.
type Result struct {
	// ID of the experiment.
	ID string

	Rank, WorldSize int

	// Trivial holds the final vector of the trivial task.
	Trivial []float64

	Model     string
	NumParams int

	// EpochDurations of all the runs.
	EpochDurations []time.Duration

	// MeanAllocated is the mean device memory allocated after each training step, in bytes, indexed by
	// rank. Without parallelism it only has one entry.
	MeanAllocated []float64

	// Sampled is the report of the memory sampler, if it ran.
	Sampled *memsampler.Report

	// Train are the metrics of the last epoch of the last run, and Eval the ones of its last evaluation.
	Train train.EpochMetrics
	Eval  train.EvalMetrics

	// Steps executed in the last run.
	Steps int

	// Checkpoint is the directory the final model was saved to, if saved.
	Checkpoint string

	Elapsed time.Duration
}

// SecondsPerEpoch returns the mean duration of an epoch, in seconds.
func (r *Result) SecondsPerEpoch() float64 {
	if len(r.EpochDurations) == 0 {
		return 0
	}
	return xslices.Mean(xslices.Map(r.EpochDurations, time.Duration.Seconds))
}

// MeanAllocatedAcrossRanks returns the mean of MeanAllocated, in bytes.
func (r *Result) MeanAllocatedAcrossRanks() float64 {
	if len(r.MeanAllocated) == 0 {
		return 0
	}
	return xslices.Mean(r.MeanAllocated)
}

// Summary returns the rows of the summary printed by the coordinator.
func (r *Result) Summary() []commandline.SummaryRow {
	rows := []commandline.SummaryRow{
		{Name: "Avg seconds per epoch", Value: fmt.Sprintf("%.3f", r.SecondsPerEpoch())},
	}
	for rank, mean := range r.MeanAllocated {
		rows = append(rows, commandline.SummaryRow{
			Name: fmt.Sprintf("Rank %d average memory allocated", rank), Value: commandline.FormatMB(mean / (1 << 20))})
	}
	rows = append(rows,
		commandline.SummaryRow{Name: "Avg memory allocated across all workers",
			Value: commandline.FormatMB(r.MeanAllocatedAcrossRanks() / (1 << 20))},
		commandline.SummaryRow{Name: "Elapsed time", Value: commandline.FormatDuration(r.Elapsed)},
		commandline.SummaryRow{Name: "Model", Value: r.Model},
		commandline.SummaryRow{Name: "Number of parameters", Value: fmt.Sprintf("%d", r.NumParams)},
	)
	if r.Eval.SampleCount > 0 {
		rows = append(rows, commandline.SummaryRow{Name: "Test accuracy", Value: fmt.Sprintf("%.2f%%", 100*r.Eval.Accuracy())})
	}
	if r.Sampled != nil {
		rows = append(rows, commandline.SummaryRow{Name: "Sampled peak memory", Value: commandline.FormatBytes(r.Sampled.MaxPeak())})
	}
	if r.Checkpoint != "" {
		rows = append(rows, commandline.SummaryRow{Name: "Model saved to", Value: r.Checkpoint})
	}
	return rows
}

// RunOption configures RunWorker.
type RunOption func(o *runOptions)

type runOptions struct {
	sink    tracking.Sink
	pgOpts  []distributed.Option
	output  io.Writer
	memHook memsampler.HookFn
}

// WithSink sets where the metrics are logged. Defaults to tracking.Discard.
func WithSink(sink tracking.Sink) RunOption {
	return func(o *runOptions) { o.sink = sink }
}

// WithGroupOptions are passed to distributed.Init when joining the process group.
func WithGroupOptions(opts ...distributed.Option) RunOption {
	return func(o *runOptions) { o.pgOpts = append(o.pgOpts, opts...) }
}

// WithOutput sets where the coordinator prints the reports and summary. Defaults to os.Stdout.
func WithOutput(w io.Writer) RunOption {
	return func(o *runOptions) { o.output = w }
}

// runner holds the state of one worker during RunWorker.
type runner struct {
	cfg      RunConfig
	opts     runOptions
	worker   *distributed.Worker
	device   *distributed.Device
	coll     distributed.Collective
	rankName string
}

// RunWorker executes cfg as the worker described by dcfg: it binds the worker to its device from inv,
// joins the process group (if parallel), runs the task and leaves the group.
//
// Only the coordinator (rank 0) prints reports and saves the model, but every rank returns its Result.
func RunWorker(ctx context.Context, cfg RunConfig, dcfg distributed.Config, inv *distributed.Inventory,
	opts ...RunOption) (result *Result, err error) {
	start := time.Now()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	r := &runner{cfg: cfg, opts: runOptions{sink: tracking.Discard, output: os.Stdout}}
	for _, opt := range opts {
		opt(&r.opts)
	}
	if !cfg.Parallel() {
		dcfg = dcfg.ForRank(0)
		dcfg.WorldSize, dcfg.LocalWorldSize = 1, 1
	}
	r.rankName = fmt.Sprintf("rank %d", dcfg.Rank)

	if cfg.Device == DeviceCPU {
		r.device = cpuDevice()
	} else if r.device, err = distributed.Bind(dcfg, inv); err != nil {
		return nil, err
	}
	var host *distributed.Allocator
	if inv != nil {
		host = inv.Host
	}
	r.worker = distributed.NewWorker(dcfg, r.device, host)
	if err = r.worker.SetActiveDevice(r.device); err != nil {
		return nil, err
	}

	r.coll = distributed.Solo{}
	if cfg.Parallel() {
		var pg *distributed.ProcessGroup
		pg, err = distributed.Init(ctx, dcfg, r.worker, r.opts.pgOpts...)
		if err != nil {
			return nil, err
		}
		r.coll = pg
		defer func() {
			destroyErr := pg.Destroy()
			if err == nil && destroyErr != nil {
				err = errors.WithMessagef(destroyErr, "%s: leaving process group", r.rankName)
			}
		}()
	}
	klog.V(1).Infof("%s: running %s task on %s", r.rankName, cfg.Task, r.device)

	if cfg.Task == TaskTrivial {
		result = &Result{ID: cfg.ID, Rank: dcfg.Rank, WorldSize: dcfg.WorldSize}
		result.Trivial, err = r.trivial()
		result.Elapsed = time.Since(start)
		return result, err
	}
	result, err = r.benchmark()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", r.rankName)
	}
	result.Elapsed = time.Since(start)
	if r.worker.IsCoordinator() {
		_, _ = fmt.Fprintln(r.opts.output, commandline.SprintSummary(
			fmt.Sprintf("Experiment %s: %s, %d worker(s)", cfg.ID, cfg.Model, result.WorldSize), result.Summary()))
	}
	return result, nil
}

// trivial all-reduces a small vector Repeat times, printing it before and after.
func (r *runner) trivial() ([]float64, error) {
	var values []float64
	for range r.cfg.Repeat {
		values = []float64{1, 2, 3}
		_, _ = fmt.Fprintf(r.opts.output, "%s: before all-reduce %v\n", r.rankName, values)
		if r.cfg.Parallel() {
			var err error
			values, err = r.coll.AllReduceSum(values)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: trivial task", r.rankName)
			}
		}
		_, _ = fmt.Fprintf(r.opts.output, "%s: after all-reduce %v\n", r.rankName, values)
	}
	return values, nil
}

// modelRun holds the outcome of one training run.
type modelRun struct {
	net            Network
	stepAllocated  []float64
	epochDurations []time.Duration
	train          train.EpochMetrics
	eval           train.EvalMetrics
	steps          int
}

// benchmark runs the training cfg.Runs times, and combines the memory statistics of all workers.
func (r *runner) benchmark() (*Result, error) {
	cfg := r.cfg
	result := &Result{ID: cfg.ID, Rank: r.worker.Rank, WorldSize: r.worker.WorldSize, Model: cfg.Model}

	trainDS, testDS, err := LoadDatasets(cfg)
	if err != nil {
		return nil, err
	}

	var sampler *memsampler.Sampler
	if cfg.Tracks(PlotMemory) {
		allocName, peakName := r.rankName+" memalloc", r.rankName+" max memalloc"
		sampler = memsampler.Start(r.device.Memory, cfg.Interval, memsampler.WithName(r.rankName+" sampler"),
			memsampler.WithHook(func(s memsampler.Sample) {
				err := r.opts.sink.Log(s.Seq, tracking.Metrics{
					allocName: float64(s.AllocatedBytes) / (1 << 20),
					peakName:  float64(s.PeakAllocatedBytes) / (1 << 20),
				})
				if err != nil {
					klog.Warningf("%s: failed to log memory sample: %+v", r.rankName, err)
				}
			}))
	}
	stopSampler := func() error {
		if sampler == nil || !sampler.IsRunning() {
			return nil
		}
		report, err := sampler.Stop()
		if err != nil {
			return err
		}
		result.Sampled = &report
		return r.opts.sink.Log(len(report.Samples), tracking.Metrics{
			r.rankName + " logger avg memalloc": report.MeanAllocatedMB()})
	}
	defer func() { _ = stopSampler() }()

	var last *modelRun
	for run := range cfg.Runs {
		if last != nil {
			last.net.Release()
			r.device.Memory.ResetPeak()
			runtime.GC()
		}
		klog.V(1).Infof("%s: starting run %d of %d", r.rankName, run+1, cfg.Runs)
		last, err = r.modelRun(trainDS, testDS)
		if err != nil {
			return nil, errors.WithMessagef(err, "run %d", run)
		}
		result.EpochDurations = append(result.EpochDurations, last.epochDurations...)
	}
	defer last.net.Release()
	if err = stopSampler(); err != nil {
		return nil, err
	}
	result.NumParams = last.net.NumParams()
	result.Train, result.Eval, result.Steps = last.train, last.eval, last.steps

	// Memory statistics: each rank fills its own slot, and the sum gathers them.
	mems := make([]float64, result.WorldSize)
	if len(last.stepAllocated) > 0 {
		mems[result.Rank] = xslices.Mean(last.stepAllocated)
	}
	if cfg.Parallel() {
		if mems, err = r.coll.AllReduceSum(mems); err != nil {
			return nil, errors.WithMessage(err, "combining memory statistics")
		}
	}
	result.MeanAllocated = mems

	if cfg.SaveModel {
		if result.Checkpoint, err = r.saveModel(last); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// buildNetwork creates the model and shards it (or wraps it as a replica).
func (r *runner) buildNetwork(numFeatures, numClasses int) (Network, error) {
	cfg := r.cfg
	kind, err := nn.ParseModelKind(cfg.Model)
	if err != nil {
		return nil, err
	}
	module, err := kind.Build(numFeatures, numClasses, cfg.WidthScale, cfg.Seed)
	if err != nil {
		return nil, err
	}
	if !cfg.IsFSDP() {
		return shard.NewReplica(module, r.device, r.worker)
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	return shard.Transform(module, policy, r.device, r.worker, r.coll,
		shard.Options{Offload: cfg.CPUOffload, MixedPrecision: cfg.Mixed})
}

// modelRun trains a fresh model for cfg.Epochs, evaluating it after every epoch.
func (r *runner) modelRun(trainDS, testDS *data.Dataset) (run *modelRun, err error) {
	cfg := r.cfg
	coordinator := r.worker.IsCoordinator()
	trainLoader, testLoader, err := NewLoaders(cfg, trainDS, testDS, r.worker.Rank, r.worker.WorldSize)
	if err != nil {
		return nil, err
	}
	net, err := r.buildNetwork(trainDS.NumFeatures, trainDS.NumClasses)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			net.Release()
		}
	}()
	run = &modelRun{net: net}

	var saver *checkpoints.Handler
	stepOffset := 0
	if cfg.Resume || cfg.CheckpointEvery > 0 {
		if saver, stepOffset, err = r.restore(net); err != nil {
			return nil, err
		}
	}

	opt, err := optimizers.ByName(cfg.Optimizer, cfg.LR)
	if err != nil {
		return nil, err
	}
	scheduler, err := optimizers.NewStepLR(opt, 1, cfg.Gamma)
	if err != nil {
		return nil, err
	}
	trainer := train.NewTrainer(net, opt, r.coll).WithReduce(!cfg.NoReduce)
	loop := train.NewLoop(trainer)
	if coordinator && cfg.ProgressBar {
		commandline.AttachProgressBar(loop, func() (string, string) {
			return "Memory allocated", commandline.FormatBytes(r.device.Memory.Allocated())
		})
	}

	loop.OnStep("shardbench.memory", priorityReport, func(_ *train.Loop, _ float64) error {
		run.stepAllocated = append(run.stepAllocated, float64(r.device.Memory.Allocated()))
		return nil
	})
	loop.OnEpoch("shardbench.report", priorityReport, func(loop *train.Loop, metrics train.EpochMetrics) error {
		if coordinator && cfg.ReportLoss(LossTrain) {
			_, _ = fmt.Fprintln(r.opts.output, commandline.SprintTrainEpoch(
				loop.Epoch+1, metrics, r.worker.Rank, r.device.Memory.Allocated()))
		}
		if !coordinator {
			return nil
		}
		tracked := tracking.Metrics{}
		if cfg.Tracks(PlotLoss) && cfg.ReportLoss(LossTrain) {
			tracked["train_loss"] = metrics.Mean()
		}
		if len(tracked) == 0 {
			return nil
		}
		return r.opts.sink.Log(loop.Epoch, tracked)
	})
	if coordinator && cfg.Tracks(PlotTime) {
		var epochStart time.Time
		loop.OnStart("shardbench.time", priorityTime, func(_ *train.Loop, _ *data.Loader) error {
			epochStart = time.Now()
			return nil
		})
		loop.OnEpoch("shardbench.time", priorityTime, func(loop *train.Loop, _ train.EpochMetrics) error {
			elapsed := time.Since(epochStart)
			epochStart = time.Now()
			return r.opts.sink.Log(loop.Epoch, tracking.Metrics{"seconds per epoch": elapsed.Seconds()})
		})
	}
	if cfg.ReportLoss(LossTest) {
		loop.OnEpoch("shardbench.eval", priorityEval, func(loop *train.Loop, _ train.EpochMetrics) error {
			m, err := trainer.Eval(testLoader)
			if err != nil {
				return err
			}
			run.eval = m
			if coordinator {
				_, _ = fmt.Fprintln(r.opts.output, commandline.SprintEval("Test", m))
				if cfg.Tracks(PlotLoss) {
					return r.opts.sink.Log(loop.Epoch, tracking.Metrics{"test_loss": m.Mean(), "test_accuracy": m.Accuracy()})
				}
			}
			return nil
		})
	}
	loop.OnEpoch("shardbench.schedule", prioritySchedule, func(_ *train.Loop, _ train.EpochMetrics) error {
		scheduler.Step()
		return nil
	})
	if cfg.CheckpointEvery > 0 {
		train.EveryNEpochs(loop, cfg.CheckpointEvery, false, "shardbench.checkpoint", priorityCheckpoint,
			func(loop *train.Loop, _ train.EpochMetrics) error {
				return r.checkpoint(saver, net, stepOffset+loop.LoopStep)
			})
	}

	run.train, err = loop.RunEpochs(trainLoader, cfg.Epochs)
	if err != nil {
		return nil, err
	}
	if cfg.Tracks(PlotModel) && coordinator {
		if err = r.opts.sink.Log(loop.LoopStep, tracking.Metrics{"num_params": float64(net.NumParams())}); err != nil {
			return nil, err
		}
	}
	run.epochDurations = loop.EpochDurations
	run.steps = loop.LoopStep
	return run, nil
}

// restore opens the checkpoints directory and, if resuming, loads the latest checkpoint into net.
// The handler used for saving is only returned to the coordinator.
func (r *runner) restore(net Network) (saver *checkpoints.Handler, stepOffset int, err error) {
	cfg := r.cfg
	var handler *checkpoints.Handler
	if r.worker.IsCoordinator() {
		handler, err = checkpoints.Build(cfg.CheckpointDir).Keep(cfg.KeepCheckpoints).Done()
		saver = handler
	} else if cfg.Resume {
		handler, err = checkpoints.Load(cfg.CheckpointDir).Done()
	}
	if err != nil {
		return nil, 0, err
	}
	if cfg.Resume && handler != nil {
		loaded := handler.Loaded()
		if loaded == nil {
			return nil, 0, errors.Errorf("no checkpoint to resume from in %q", cfg.CheckpointDir)
		}
		if err = net.LoadStateDict(loaded.Tensors); err != nil {
			return nil, 0, errors.WithMessagef(err, "resuming from %s", handler)
		}
		stepOffset = loaded.Step
		klog.V(1).Infof("%s: resumed from %s at step %d", r.rankName, handler, stepOffset)
	}
	return saver, stepOffset, nil
}

// checkpoint gathers the full state on every worker and saves it from the coordinator.
func (r *runner) checkpoint(saver *checkpoints.Handler, net Network, step int) error {
	state, err := net.StateDict()
	if err != nil {
		return err
	}
	return saver.Save(step, state, map[string]any{
		"id":    r.cfg.ID,
		"model": r.cfg.Model,
		"wrap":  r.cfg.Wrap,
	})
}

// saveModel waits for all workers, gathers the full state and has the coordinator save it.
func (r *runner) saveModel(run *modelRun) (string, error) {
	if err := r.coll.Barrier(); err != nil {
		return "", errors.WithMessage(err, "barrier before saving the model")
	}
	var saver *checkpoints.Handler
	if r.worker.IsCoordinator() {
		var err error
		saver, err = checkpoints.Build(r.cfg.CheckpointDir).Keep(r.cfg.KeepCheckpoints).Done()
		if err != nil {
			return "", err
		}
	}
	if err := r.checkpoint(saver, run.net, run.steps); err != nil {
		return "", errors.WithMessage(err, "saving the model")
	}
	if saver == nil {
		return "", nil
	}
	return saver.Dir(), nil
}
