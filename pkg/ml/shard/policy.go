// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shard

import (
	"fmt"

	"github.com/gomlx/shardbench/pkg/support/errkind"
)

// PolicyKind enumerates the wrap policies.
type PolicyKind int

const (
	// PolicySizeThreshold wraps sub-modules with at least MinParams not yet wrapped parameters.
	PolicySizeThreshold PolicyKind = iota

	// PolicyAlwaysWrap wraps every sub-module that owns parameters.
	PolicyAlwaysWrap

	// PolicyNoWrap makes the whole model a single unit.
	PolicyNoWrap
)

// String implements fmt.Stringer. These are also the names accepted by ParsePolicy.
func (k PolicyKind) String() string {
	switch k {
	case PolicySizeThreshold:
		return "size_based"
	case PolicyAlwaysWrap:
		return "always"
	case PolicyNoWrap:
		return "none"
	}
	return fmt.Sprintf("PolicyKind(%d)", int(k))
}

// DefaultMinParams is the default threshold of the size based policy.
const DefaultMinParams = 20_000

// Policy decides which sub-modules become independently sharded units. It is immutable, and created
// with AlwaysWrap, SizeThreshold or NoWrap.
type Policy struct {
	kind      PolicyKind
	minParams int
}

// AlwaysWrap returns the policy that wraps every sub-module with parameters.
func AlwaysWrap() Policy { return Policy{kind: PolicyAlwaysWrap} }

// NoWrap returns the policy that shards the whole model as one unit.
func NoWrap() Policy { return Policy{kind: PolicyNoWrap} }

// SizeThreshold returns the policy that wraps a sub-module if it holds at least minParams parameters
// not already wrapped by one of its descendants. minParams must be > 0.
func SizeThreshold(minParams int) (Policy, error) {
	if minParams <= 0 {
		return Policy{}, errkind.Configurationf("size based wrap policy requires min params > 0, got %d", minParams)
	}
	return Policy{kind: PolicySizeThreshold, minParams: minParams}, nil
}

// ParsePolicy converts a policy name ("size_based", "always" or "none") to a Policy. minParams is only
// used by "size_based".
func ParsePolicy(name string, minParams int) (Policy, error) {
	switch name {
	case PolicySizeThreshold.String():
		return SizeThreshold(minParams)
	case PolicyAlwaysWrap.String():
		return AlwaysWrap(), nil
	case PolicyNoWrap.String():
		return NoWrap(), nil
	}
	return Policy{}, errkind.Configurationf("invalid wrap policy %q, valid values are size_based, always and none", name)
}

// Kind of the policy.
func (p Policy) Kind() PolicyKind { return p.kind }

// MinParams of the size based policy, 0 for the others.
func (p Policy) MinParams() int { return p.minParams }

// String implements fmt.Stringer.
func (p Policy) String() string {
	if p.kind == PolicySizeThreshold {
		return fmt.Sprintf("%s(min params: %d)", p.kind, p.minParams)
	}
	return p.kind.String()
}

// shouldWrap decides for a sub-module (not the root) with the given number of unwrapped parameters.
func (p Policy) shouldWrap(unwrappedParams int) bool {
	switch p.kind {
	case PolicySizeThreshold:
		return unwrappedParams >= p.minParams
	case PolicyAlwaysWrap:
		return unwrappedParams > 0
	case PolicyNoWrap:
		return false
	}
	return false
}
