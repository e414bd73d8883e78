// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/pkg/errors"
)

// DeviceKind distinguishes host memory from accelerators.
type DeviceKind int

const (
	KindCPU DeviceKind = iota
	KindAccelerator
)

// String implements fmt.Stringer.
func (k DeviceKind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindAccelerator:
		return "accelerator"
	default:
		return fmt.Sprintf("DeviceKind(%d)", int(k))
	}
}

// Device is one compute device of a node, with the allocator that accounts for the memory it holds.
type Device struct {
	Index int
	Kind  DeviceKind
	Name  string

	// Memory accounts for the bytes held on the device.
	Memory *Allocator
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	if d == nil {
		return "<no device>"
	}
	return fmt.Sprintf("%s:%d(%s)", d.Kind, d.Index, d.Name)
}

// ErrOutOfMemory is returned by Allocator.Alloc when the capacity would be exceeded.
var ErrOutOfMemory = errors.New("out of device memory")

// Allocator accounts for the memory allocated on a device: current and peak usage.
// It is safe for concurrent use: the memory sampler reads it while the training goroutine allocates.
type Allocator struct {
	capacity  int64
	allocated atomic.Int64
	peak      atomic.Int64
}

// NewAllocator returns an allocator with the given capacity in bytes. A capacity <= 0 means unlimited.
func NewAllocator(capacity int64) *Allocator {
	return &Allocator{capacity: capacity}
}

// Capacity in bytes, 0 if unlimited.
func (a *Allocator) Capacity() int64 {
	return max(a.capacity, 0)
}

// Alloc accounts for n more bytes. It fails with ErrOutOfMemory if the capacity would be exceeded.
func (a *Allocator) Alloc(n int64) error {
	if n < 0 {
		return errors.Errorf("Allocator.Alloc(%d): negative size", n)
	}
	current := a.allocated.Add(n)
	if a.capacity > 0 && current > a.capacity {
		a.allocated.Add(-n)
		return errors.Wrapf(ErrOutOfMemory, "allocating %s with %s of %s in use",
			humanize.IBytes(uint64(n)), humanize.IBytes(uint64(current-n)), humanize.IBytes(uint64(a.capacity)))
	}
	for {
		peak := a.peak.Load()
		if current <= peak || a.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	return nil
}

// Free accounts for n bytes released.
func (a *Allocator) Free(n int64) {
	if a.allocated.Add(-n) < 0 {
		panic(errors.Errorf("Allocator.Free(%d): more bytes freed than allocated", n))
	}
}

// Allocated returns the bytes currently allocated.
func (a *Allocator) Allocated() uint64 {
	return uint64(max(a.allocated.Load(), 0))
}

// Peak returns the largest number of bytes allocated since creation or the last ResetPeak.
func (a *Allocator) Peak() uint64 {
	return uint64(max(a.peak.Load(), 0))
}

// ResetPeak sets the peak to the current allocation: used in between repeated runs.
func (a *Allocator) ResetPeak() {
	a.peak.Store(a.allocated.Load())
}

// Inventory lists the devices visible on the node.
type Inventory struct {
	Devices []*Device

	// Host is the allocator used for CPU-offloaded state.
	Host *Allocator
}

// NewCPUInventory returns an inventory with n CPU "devices" sharing no capacity limits.
// It is used when no accelerator is declared, so each worker still gets its own accounting.
func NewCPUInventory(n int) *Inventory {
	inv := &Inventory{Host: NewAllocator(0)}
	for i := range n {
		inv.Devices = append(inv.Devices, &Device{Index: i, Kind: KindCPU, Name: "cpu", Memory: NewAllocator(0)})
	}
	return inv
}

// NumDevices visible on the node.
func (inv *Inventory) NumDevices() int {
	return len(inv.Devices)
}

// ParseInventory parses a device declaration of the form "<count>x<name>[:<capacity>]", with multiple
// groups separated by commas, e.g. "4xsim-a10:16GiB" or "2xcpu". Names starting with "cpu" are
// CPU devices, everything else is an accelerator.
func ParseInventory(spec string) (*Inventory, error) {
	inv := &Inventory{Host: NewAllocator(0)}
	for _, group := range strings.Split(spec, ",") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		countStr, rest, found := strings.Cut(group, "x")
		if !found {
			return nil, errkind.Configurationf("invalid device declaration %q, expected <count>x<name>[:<capacity>]", group)
		}
		count, err := strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			return nil, errkind.Configurationf("invalid device count in %q", group)
		}
		name, capacityStr, _ := strings.Cut(rest, ":")
		if name == "" {
			return nil, errkind.Configurationf("missing device name in %q", group)
		}
		var capacity uint64
		if capacityStr != "" {
			capacity, err = humanize.ParseBytes(capacityStr)
			if err != nil {
				return nil, errkind.Configurationf("invalid device capacity in %q: %v", group, err)
			}
		}
		kind := KindAccelerator
		if strings.HasPrefix(strings.ToLower(name), "cpu") {
			kind = KindCPU
		}
		for range count {
			inv.Devices = append(inv.Devices, &Device{
				Index:  len(inv.Devices),
				Kind:   kind,
				Name:   name,
				Memory: NewAllocator(int64(capacity)),
			})
		}
	}
	if len(inv.Devices) == 0 {
		return nil, errkind.Configurationf("no devices declared in %q", spec)
	}
	return inv, nil
}

const (
	// EnvDevices declares the devices of the node, see ParseInventory.
	EnvDevices = "SHARDBENCH_DEVICES"

	// EnvVisibleDevices restricts the declared devices to the listed indices, e.g. "0,2".
	EnvVisibleDevices = "CUDA_VISIBLE_DEVICES"
)

// InventoryFromEnv builds the inventory from SHARDBENCH_DEVICES, restricted by CUDA_VISIBLE_DEVICES.
// If no devices are declared, it returns defaultCPUs CPU devices.
func InventoryFromEnv(lookup LookupEnvFn, defaultCPUs int) (*Inventory, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	spec, found := lookup(EnvDevices)
	if !found || strings.TrimSpace(spec) == "" {
		return NewCPUInventory(max(defaultCPUs, 1)), nil
	}
	inv, err := ParseInventory(spec)
	if err != nil {
		return nil, err
	}
	visible, found := lookup(EnvVisibleDevices)
	if !found || strings.TrimSpace(visible) == "" {
		return inv, nil
	}
	var selected []*Device
	for _, part := range strings.Split(visible, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || idx < 0 || idx >= len(inv.Devices) {
			return nil, errkind.Configurationf("%s=%q refers to unknown device %q (%d declared)",
				EnvVisibleDevices, visible, part, len(inv.Devices))
		}
		device := *inv.Devices[idx]
		device.Index = len(selected)
		selected = append(selected, &device)
	}
	inv.Devices = selected
	return inv, nil
}

// Bind returns the device a worker must use: the device indexed by its rank on a single node, or by
// its local slot when running on multiple nodes. In the multi-node case the number of workers per node
// must match the number of visible devices.
func Bind(cfg Config, inv *Inventory) (*Device, error) {
	if inv == nil || len(inv.Devices) == 0 {
		return nil, errkind.Configurationf("rank %d: no devices visible", cfg.Rank)
	}
	idx := cfg.Rank
	if cfg.MultiNode {
		if cfg.LocalWorldSize != len(inv.Devices) {
			return nil, errkind.Configurationf(
				"rank %d: %d workers per node but %d devices visible, they must match",
				cfg.Rank, cfg.LocalWorldSize, len(inv.Devices))
		}
		idx = cfg.LocalRank
	}
	if idx < 0 || idx >= len(inv.Devices) {
		return nil, errkind.Configurationf("rank %d: device index %d out of range, only %d devices visible",
			cfg.Rank, idx, len(inv.Devices))
	}
	device := inv.Devices[idx]
	if err := cfg.Backend.CheckDevice(device); err != nil {
		return nil, errors.WithMessagef(err, "rank %d", cfg.Rank)
	}
	return device, nil
}
