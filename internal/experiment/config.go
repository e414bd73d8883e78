// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package experiment runs the sharded-training benchmark on one worker: it binds the worker to its
// device, joins the process group, builds the data partitions and the (sharded) model, trains and
// evaluates it for a number of epochs while sampling memory, and reports the summary.
package experiment

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/ml/shard"
	"github.com/gomlx/shardbench/pkg/ml/train/optimizers"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/gomlx/shardbench/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Mode selects how the workers of a run are started.
type Mode int

const (
	// ModeSingle runs one worker in the current process, without a process group.
	ModeSingle Mode = iota

	// ModeSpawn re-executes the current binary once per worker on this node.
	ModeSpawn

	// ModeMultiHost runs one worker per process, with rank and world size taken from the job scheduler
	// environment (SLURM_* variables).
	ModeMultiHost

	// ModeLocal runs all workers as goroutines of the current process, connected in-process.
	ModeLocal
)

var modeNames = []string{"single", "spawn", "multihost", "local"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "unknown"
	}
	return modeNames[m]
}

// ParseMode converts a mode name to a Mode.
func ParseMode(name string) (Mode, error) {
	idx := slices.Index(modeNames, strings.ToLower(strings.TrimSpace(name)))
	if idx < 0 {
		return 0, errkind.Configurationf("unknown mode %q, valid modes are %s", name, strings.Join(modeNames, ", "))
	}
	return Mode(idx), nil
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) (err error) {
	*m, err = ParseMode(string(text))
	return
}

// Task selects what each worker runs.
type Task int

const (
	// TaskMNIST trains a classifier on an MNIST-shaped dataset: synthetic by default, or loaded from CSV.
	TaskMNIST Task = iota

	// TaskTrivial only checks the collectives: each worker all-reduces a small vector and prints it.
	TaskTrivial
)

var taskNames = []string{"mnist", "trivial"}

func (t Task) String() string {
	if t < 0 || int(t) >= len(taskNames) {
		return "unknown"
	}
	return taskNames[t]
}

// ParseTask converts a task name to a Task.
func ParseTask(name string) (Task, error) {
	idx := slices.Index(taskNames, strings.ToLower(strings.TrimSpace(name)))
	if idx < 0 {
		return 0, errkind.Configurationf("unknown task %q, valid tasks are %s", name, strings.Join(taskNames, ", "))
	}
	return Task(idx), nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Task) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Task) UnmarshalText(text []byte) (err error) {
	*t, err = ParseTask(string(text))
	return
}

// Values accepted in RunConfig.NoLoss and RunConfig.Plot.
const (
	LossTrain = "train"
	LossTest  = "test"

	PlotTime   = "time"
	PlotLoss   = "loss"
	PlotMemory = "memory"
	PlotModel  = "model"

	DeviceAccelerator = "accelerator"
	DeviceCPU         = "cpu"
)

// RunConfig holds all the settings of a benchmark run. It can be loaded from a YAML preset, and
// is then overridden by command-line flags and "--set" settings.
type RunConfig struct {
	// ID of the experiment, random if empty.
	ID string `yaml:"id"`

	Mode Mode `yaml:"mode"`
	Task Task `yaml:"task"`

	// WorldSize is the number of workers; -1 uses one worker per visible device.
	WorldSize int `yaml:"world_size"`

	// Backend of the process group: "gloo", "nccl" or "local".
	Backend string `yaml:"backend"`

	// CoordinatorAddr and CoordinatorPort locate the rendezvous. The environment variables
	// MASTER_ADDR and MASTER_PORT take precedence.
	CoordinatorAddr string `yaml:"coordinator_addr"`
	CoordinatorPort int    `yaml:"coordinator_port"`

	// Timeout for all workers to reach the rendezvous.
	Timeout time.Duration `yaml:"timeout"`

	// CollectiveTimeout bounds each collective of the TCP transport, 0 to wait forever.
	CollectiveTimeout time.Duration `yaml:"collective_timeout"`

	// Device used without parallelism: "accelerator" (the first visible device) or "cpu".
	Device string `yaml:"device"`

	// Devices declares the devices of the node, e.g. "4xsim-a10:16GiB". If empty the
	// SHARDBENCH_DEVICES environment variable is used, or one CPU device per worker.
	Devices string `yaml:"devices"`

	// Repeat is the number of all-reduces of the trivial task.
	Repeat int `yaml:"repeat"`

	Model string `yaml:"model"`

	// WidthScale multiplies the widths of the hidden layers of the model, to benchmark smaller
	// versions of the same architecture.
	WidthScale float64 `yaml:"width_scale"`

	// Wrap is the sharding policy: "size_based", "always" or "none".
	Wrap      string `yaml:"wrap"`
	MinParams int    `yaml:"min_params"`

	CPUOffload bool `yaml:"cpu_offload"`
	Mixed      bool `yaml:"mixed"`

	// NoFSDP trains independent unsharded replicas instead of a sharded model.
	NoFSDP bool `yaml:"no_fsdp"`

	Optimizer string  `yaml:"optimizer"`
	LR        float64 `yaml:"lr"`
	Gamma     float64 `yaml:"gamma"`

	Epochs        int `yaml:"epochs"`
	BatchSize     int `yaml:"batch_size"`
	TestBatchSize int `yaml:"test_batch_size"`

	// Percent of the data used, in (0, 1].
	Percent float64 `yaml:"percent"`
	Seed    int64   `yaml:"seed"`

	// TrainExamples and TestExamples are the sizes of the synthetic datasets.
	TrainExamples int `yaml:"train_examples"`
	TestExamples  int `yaml:"test_examples"`

	// Data and TestData are CSV files used instead of the synthetic dataset.
	Data        string `yaml:"data"`
	TestData    string `yaml:"test_data"`
	LabelColumn string `yaml:"label_column"`

	// NoLoss disables the reporting of the "train" and/or "test" losses. Disabling "test" skips evaluation.
	NoLoss []string `yaml:"no_loss"`

	// NoReduce disables the combination of the metrics across workers.
	NoReduce bool `yaml:"no_reduce"`

	// NoSampler makes every worker visit the whole dataset instead of its own partition.
	NoSampler bool `yaml:"no_sampler"`

	// Plot lists what is tracked: "time", "loss", "memory" (starts the memory sampler) and "model".
	Plot []string `yaml:"plot"`

	// Interval between memory samples.
	Interval time.Duration `yaml:"interval"`

	// Runs of the whole training, with memory statistics reset between runs.
	Runs int `yaml:"runs"`

	SaveModel       bool   `yaml:"save_model"`
	CheckpointDir   string `yaml:"checkpoint_dir"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	KeepCheckpoints int    `yaml:"keep_checkpoints"`

	// Resume loads the latest checkpoint in CheckpointDir before training.
	Resume bool `yaml:"resume"`

	// ProgressBar shows a progress bar on the coordinator.
	ProgressBar bool `yaml:"progress_bar"`

	MetricsJSONL string `yaml:"metrics_jsonl"`
	MetricsAddr  string `yaml:"metrics_addr"`
}

// DefaultRunConfig returns the default settings of the benchmark.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Mode:            ModeLocal,
		Task:            TaskMNIST,
		WorldSize:       -1,
		Backend:         distributed.BackendGloo.String(),
		CoordinatorAddr: distributed.DefaultCoordinatorAddr,
		CoordinatorPort: distributed.DefaultCoordinatorPort,
		Timeout:         distributed.DefaultTimeout,
		Device:          DeviceAccelerator,
		Repeat:          1,
		Model:           nn.ModelNet.String(),
		WidthScale:      1,
		Wrap:            shard.PolicySizeThreshold.String(),
		MinParams:       shard.DefaultMinParams,
		Optimizer:       "adadelta",
		LR:              1.0,
		Gamma:           0.7,
		Epochs:          10,
		BatchSize:       256,
		TestBatchSize:   256,
		Percent:         1.0,
		Seed:            546,
		TrainExamples:   60_000,
		TestExamples:    10_000,
		LabelColumn:     "label",
		Plot:            []string{PlotTime, PlotLoss},
		Interval:        time.Second,
		Runs:            1,
		CheckpointDir:   "checkpoints",
		KeepCheckpoints: 1,
	}
}

// LoadPreset reads a YAML preset from path on top of cfg: only the keys present in the file change.
func LoadPreset(cfg *RunConfig, path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read run config %q", path)
	}
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return errkind.Configurationf("failed to parse run config %q: %v", path, err)
	}
	return nil
}

// YAML returns the configuration in YAML format, as accepted by LoadPreset.
func (c RunConfig) YAML() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}

// Parallel returns whether the workers join a process group. It holds for every mode but ModeSingle,
// also when the group has a single worker.
func (c RunConfig) Parallel() bool {
	return c.Mode != ModeSingle
}

// IsFSDP returns whether the model is sharded across the workers.
func (c RunConfig) IsFSDP() bool {
	return c.Parallel() && !c.NoFSDP
}

// ReportLoss returns whether the given loss ("train" or "test") is reported.
func (c RunConfig) ReportLoss(which string) bool {
	return !slices.Contains(c.NoLoss, which)
}

// Tracks returns whether the given plot item is tracked.
func (c RunConfig) Tracks(item string) bool {
	return slices.Contains(c.Plot, item)
}

// Policy returns the sharding policy selected by Wrap and MinParams.
func (c RunConfig) Policy() (shard.Policy, error) {
	return shard.ParsePolicy(c.Wrap, c.MinParams)
}

// DistributedConfig returns the process group configuration of rank 0, before the environment is read.
// Call Resolve first, so the world size is known.
func (c RunConfig) DistributedConfig() (distributed.Config, error) {
	backend, err := distributed.ParseBackend(c.Backend)
	if err != nil {
		return distributed.Config{}, err
	}
	dcfg := distributed.DefaultConfig()
	dcfg.CoordinatorAddr = c.CoordinatorAddr
	dcfg.CoordinatorPort = c.CoordinatorPort
	dcfg.Backend = backend
	dcfg.Timeout = c.Timeout
	dcfg.WorldSize = max(c.WorldSize, 1)
	dcfg.LocalWorldSize = dcfg.WorldSize
	return dcfg, nil
}

// Resolve fills in the values that depend on the environment: a random ID if none was given and
// the world size (one worker per visible device) if it is -1.
func (c *RunConfig) Resolve(numDevices int) {
	if c.ID == "" {
		c.ID = uuid.NewString()[:4]
	}
	if c.WorldSize < 0 {
		c.WorldSize = max(numDevices, 1)
	}
	if c.Mode == ModeSingle {
		c.WorldSize = 1
	}
}

// Validate returns a Configuration error for invalid or inconsistent settings.
func (c RunConfig) Validate() error {
	if c.WorldSize == 0 || c.WorldSize < -1 {
		return errkind.Configurationf("world size must be positive or -1, got %d", c.WorldSize)
	}
	if _, err := distributed.ParseBackend(c.Backend); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return errkind.Configurationf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Device != DeviceAccelerator && c.Device != DeviceCPU {
		return errkind.Configurationf("device must be %q or %q, got %q", DeviceAccelerator, DeviceCPU, c.Device)
	}
	if c.Parallel() && c.Device == DeviceCPU {
		return errkind.Configurationf("parallel training requires accelerators, cannot use device %q", c.Device)
	}
	if c.Repeat < 1 {
		return errkind.Configurationf("repeat must be >= 1, got %d", c.Repeat)
	}
	if c.Task == TaskTrivial {
		return nil
	}
	if _, err := nn.ParseModelKind(c.Model); err != nil {
		return err
	}
	if c.WidthScale <= 0 {
		return errkind.Configurationf("width scale must be > 0, got %g", c.WidthScale)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := optimizers.ByName(c.Optimizer, c.LR); err != nil {
		return err
	}
	if c.LR <= 0 || c.Gamma <= 0 {
		return errkind.Configurationf("learning rate and gamma must be positive, got lr=%g gamma=%g", c.LR, c.Gamma)
	}
	if c.Epochs < 0 || c.Runs < 1 {
		return errkind.Configurationf("epochs must be >= 0 and runs >= 1, got epochs=%d runs=%d", c.Epochs, c.Runs)
	}
	if c.BatchSize < 1 || c.TestBatchSize < 1 {
		return errkind.Configurationf("batch sizes must be positive, got %d and %d", c.BatchSize, c.TestBatchSize)
	}
	if c.Percent <= 0 || c.Percent > 1 {
		return errkind.Configurationf("percent of data must be in (0, 1], got %g", c.Percent)
	}
	if c.Data == "" && (c.TrainExamples < 1 || c.TestExamples < 1) {
		return errkind.Configurationf("synthetic datasets need positive sizes, got train=%d test=%d",
			c.TrainExamples, c.TestExamples)
	}
	for _, which := range c.NoLoss {
		if which != LossTrain && which != LossTest {
			return errkind.Configurationf("no-loss values must be %q or %q, got %q", LossTrain, LossTest, which)
		}
	}
	for _, item := range c.Plot {
		if !slices.Contains([]string{PlotTime, PlotLoss, PlotMemory, PlotModel}, item) {
			return errkind.Configurationf("unknown plot item %q", item)
		}
	}
	if c.Tracks(PlotMemory) && c.Interval <= 0 {
		return errkind.Configurationf("memory sampling interval must be positive, got %s", c.Interval)
	}
	if c.CheckpointEvery < 0 {
		return errkind.Configurationf("checkpoint-every must be >= 0, got %d", c.CheckpointEvery)
	}
	if c.KeepCheckpoints == 0 || c.KeepCheckpoints < -1 {
		return errkind.Configurationf("keep-checkpoints must be positive or -1 (keep all), got %d", c.KeepCheckpoints)
	}
	if (c.SaveModel || c.CheckpointEvery > 0 || c.Resume) && c.CheckpointDir == "" {
		return errkind.Configurationf("saving or resuming requires a checkpoint directory")
	}
	return nil
}
