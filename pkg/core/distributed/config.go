// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed manages the collective communication of a set of workers training one model:
// the immutable rendezvous configuration (Config), the devices available on a node and the binding
// of a worker to one of them (Inventory, Bind), the Worker context and the ProcessGroup lifecycle
// with its blocking collectives (AllReduceSum, AllGather, ReduceScatterSum, Broadcast, Barrier).
//
// Two transports are provided: an in-process one (BackendLocal) for workers running as goroutines
// of the same program, and a TCP star transport (BackendGloo and BackendNCCL) where rank 0
// hosts the rendezvous for all the others.
package distributed

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/pkg/errors"
)

const (
	// DefaultCoordinatorAddr is used if no MASTER_ADDR (or SLURM_SUBMIT_HOST) is given.
	DefaultCoordinatorAddr = "localhost"

	// DefaultCoordinatorPort is used if no MASTER_PORT is given.
	DefaultCoordinatorPort = 12355

	// DefaultTimeout for all workers to reach the rendezvous.
	DefaultTimeout = 120 * time.Second
)

// Environment variables read by ConfigFromEnv and written by Config.Env.
const (
	EnvCoordinatorAddr = "MASTER_ADDR"
	EnvCoordinatorPort = "MASTER_PORT"
	EnvWorldSize       = "WORLD_SIZE"
	EnvRank            = "RANK"
	EnvLocalRank       = "LOCAL_RANK"
	EnvLocalWorldSize  = "LOCAL_WORLD_SIZE"
	EnvBackend         = "SHARDBENCH_BACKEND"
	EnvTimeout         = "SHARDBENCH_TIMEOUT"

	EnvSlurmSubmitHost = "SLURM_SUBMIT_HOST"
	EnvSlurmProcID     = "SLURM_PROCID"
	EnvSlurmLocalID    = "SLURM_LOCALID"
	EnvSlurmNTasks     = "SLURM_NTASKS"
	EnvSlurmGPUsOnNode = "SLURM_GPUS_ON_NODE"
)

// Config holds everything a worker needs to join a process group. It is built once, before any
// worker starts, and never changes afterwards: pass it by value.
type Config struct {
	// CoordinatorAddr and CoordinatorPort locate the rendezvous hosted by rank 0.
	CoordinatorAddr string
	CoordinatorPort int

	Backend Backend

	// Timeout for all workers to reach the rendezvous in Init.
	Timeout time.Duration

	// Rank of this worker in [0, WorldSize).
	Rank, WorldSize int

	// LocalRank is the slot of this worker within its node, and LocalWorldSize the number of
	// workers on the node. For a single node they are equal to Rank and WorldSize.
	LocalRank, LocalWorldSize int

	// MultiNode selects the device binding by LocalRank instead of by Rank.
	MultiNode bool
}

// DefaultConfig returns the configuration of a single worker using the TCP transport on the default
// coordinator address.
func DefaultConfig() Config {
	return Config{
		CoordinatorAddr: DefaultCoordinatorAddr,
		CoordinatorPort: DefaultCoordinatorPort,
		Backend:         BackendGloo,
		Timeout:         DefaultTimeout,
		WorldSize:       1,
		LocalWorldSize:  1,
	}
}

// ForRank returns a copy of the configuration for the given rank on a single node.
func (c Config) ForRank(rank int) Config {
	c.Rank = rank
	c.LocalRank = rank
	c.LocalWorldSize = c.WorldSize
	c.MultiNode = false
	return c
}

// Address of the coordinator in "host:port" format.
func (c Config) Address() string {
	return net.JoinHostPort(c.CoordinatorAddr, strconv.Itoa(c.CoordinatorPort))
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("rank %d/%d (local %d/%d) backend=%s coordinator=%s timeout=%s",
		c.Rank, c.WorldSize, c.LocalRank, c.LocalWorldSize, c.Backend, c.Address(), c.Timeout)
}

// Validate returns a Configuration error if the configuration is inconsistent.
func (c Config) Validate() error {
	if c.WorldSize < 1 {
		return errkind.Configurationf("world size must be >= 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return errkind.Configurationf("rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	if c.LocalWorldSize < 1 || c.LocalWorldSize > c.WorldSize {
		return errkind.Configurationf("local world size %d must be in [1, %d]", c.LocalWorldSize, c.WorldSize)
	}
	if c.LocalRank < 0 || c.LocalRank >= c.LocalWorldSize {
		return errkind.Configurationf("local rank %d out of range for local world size %d",
			c.LocalRank, c.LocalWorldSize)
	}
	if !c.Backend.IsValid() {
		return errkind.Configurationf("invalid backend %s", c.Backend)
	}
	if c.Timeout <= 0 {
		return errkind.Configurationf("rendezvous timeout must be positive, got %s", c.Timeout)
	}
	if c.Backend != BackendLocal {
		if c.CoordinatorAddr == "" {
			return errkind.Configurationf("coordinator address not set (%s)", EnvCoordinatorAddr)
		}
		if c.CoordinatorPort <= 0 || c.CoordinatorPort > 65535 {
			return errkind.Configurationf("invalid coordinator port %d", c.CoordinatorPort)
		}
	}
	return nil
}

// Env returns the environment entries ("KEY=value") that let a child process rebuild this configuration
// with ConfigFromEnv.
func (c Config) Env() []string {
	return []string{
		EnvCoordinatorAddr + "=" + c.CoordinatorAddr,
		EnvCoordinatorPort + "=" + strconv.Itoa(c.CoordinatorPort),
		EnvWorldSize + "=" + strconv.Itoa(c.WorldSize),
		EnvRank + "=" + strconv.Itoa(c.Rank),
		EnvLocalRank + "=" + strconv.Itoa(c.LocalRank),
		EnvLocalWorldSize + "=" + strconv.Itoa(c.LocalWorldSize),
		EnvBackend + "=" + c.Backend.String(),
		EnvTimeout + "=" + c.Timeout.String(),
	}
}

// LookupEnvFn is the signature of os.LookupEnv. It allows tests to provide a fake environment.
type LookupEnvFn func(key string) (string, bool)

// ConfigFromEnv reads the environment once and returns the resulting configuration, starting from base.
//
// Single node (multiNode false): RANK, WORLD_SIZE, LOCAL_RANK and LOCAL_WORLD_SIZE are used if present.
// Multi-node: the rank comes from SLURM_PROCID, the local slot from SLURM_LOCALID, the world size from
// WORLD_SIZE or else SLURM_NTASKS, and the number of workers per node from SLURM_GPUS_ON_NODE.
// The coordinator address is MASTER_ADDR, falling back to SLURM_SUBMIT_HOST for multi-node jobs.
//
// If lookup is nil, os.LookupEnv is used.
func ConfigFromEnv(lookup LookupEnvFn, base Config, multiNode bool) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := base
	cfg.MultiNode = multiNode
	var err error
	intVar := func(key string, target *int) {
		if err != nil {
			return
		}
		value, found := lookup(key)
		if !found || value == "" {
			return
		}
		var v int
		v, err = strconv.Atoi(value)
		if err != nil {
			err = errkind.Configurationf("environment variable %s=%q is not an integer", key, value)
			return
		}
		*target = v
	}

	if addr, found := lookup(EnvCoordinatorAddr); found && addr != "" {
		cfg.CoordinatorAddr = addr
	} else if host, found := lookup(EnvSlurmSubmitHost); multiNode && found && host != "" {
		cfg.CoordinatorAddr = host
	}
	intVar(EnvCoordinatorPort, &cfg.CoordinatorPort)
	if value, found := lookup(EnvBackend); found && value != "" {
		var parseErr error
		cfg.Backend, parseErr = ParseBackend(value)
		if parseErr != nil {
			return cfg, parseErr
		}
	}
	if value, found := lookup(EnvTimeout); found && value != "" {
		timeout, parseErr := time.ParseDuration(value)
		if parseErr != nil {
			return cfg, errkind.Configurationf("environment variable %s=%q is not a duration", EnvTimeout, value)
		}
		cfg.Timeout = timeout
	}

	if multiNode {
		intVar(EnvSlurmProcID, &cfg.Rank)
		intVar(EnvSlurmLocalID, &cfg.LocalRank)
		intVar(EnvSlurmNTasks, &cfg.WorldSize)
		intVar(EnvWorldSize, &cfg.WorldSize)
		intVar(EnvSlurmGPUsOnNode, &cfg.LocalWorldSize)
	} else {
		intVar(EnvWorldSize, &cfg.WorldSize)
		intVar(EnvRank, &cfg.Rank)
		cfg.LocalRank, cfg.LocalWorldSize = cfg.Rank, cfg.WorldSize
		intVar(EnvLocalRank, &cfg.LocalRank)
		intVar(EnvLocalWorldSize, &cfg.LocalWorldSize)
	}
	if err != nil {
		return cfg, err
	}
	if err = cfg.Validate(); err != nil {
		return cfg, errors.WithMessagef(err, "configuration read from the environment")
	}
	return cfg, nil
}
