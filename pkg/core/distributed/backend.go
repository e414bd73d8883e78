// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"strings"

	"github.com/gomlx/shardbench/pkg/support/errkind"
)

// Backend selects the transport used by the collectives of a ProcessGroup.
type Backend int

const (
	// BackendGloo uses the TCP star transport and works with any device kind.
	BackendGloo Backend = iota

	// BackendNCCL uses the TCP star transport, and requires every worker to be bound to an accelerator
	// not listed in NCCLDeniedDevices.
	BackendNCCL

	// BackendLocal connects workers running as goroutines of the same process through a LocalHub.
	BackendLocal

	numBackends
)

var backendNames = [...]string{"gloo", "nccl", "local"}

// String implements fmt.Stringer.
func (b Backend) String() string {
	if !b.IsValid() {
		return fmt.Sprintf("Backend(%d)", int(b))
	}
	return backendNames[b]
}

// IsValid returns whether b is one of the known backends.
func (b Backend) IsValid() bool {
	return b >= 0 && b < numBackends
}

// ParseBackend converts a name (case-insensitive) to a Backend. Unknown names are Configuration errors.
func ParseBackend(name string) (Backend, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for i, known := range backendNames {
		if lower == known {
			return Backend(i), nil
		}
	}
	return 0, errkind.Configurationf("unknown backend %q, valid values are %s", name, strings.Join(backendNames[:], ", "))
}

// NCCLDeniedDevices lists device name fragments (lower-case) known not to work with BackendNCCL
// in the clusters this benchmark was tuned for.
var NCCLDeniedDevices = []string{"a100"}

// CheckDevice returns a Configuration error if the backend cannot drive the given device.
func (b Backend) CheckDevice(device *Device) error {
	if device == nil {
		return errkind.Configurationf("backend %s: no device bound", b)
	}
	if b != BackendNCCL {
		return nil
	}
	if device.Kind != KindAccelerator {
		return errkind.Configurationf("backend %s requires an accelerator, got %s", b, device)
	}
	name := strings.ToLower(device.Name)
	for _, denied := range NCCLDeniedDevices {
		if strings.Contains(name, denied) {
			return errkind.Configurationf("backend %s is not supported on device %s, use %s instead",
				b, device, BackendGloo)
		}
	}
	return nil
}
