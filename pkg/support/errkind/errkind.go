// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errkind defines the three kinds of errors that abort a benchmark run.
//
// Errors are created with the helpers below and can be further wrapped with github.com/pkg/errors:
// the kind is still recoverable with errors.Is, e.g.:
//
//	if errors.Is(err, errkind.Communication) {
//		klog.Errorf("rank %d lost contact with its peers: %+v", rank, err)
//	}
package errkind

import (
	"github.com/pkg/errors"
)

var (
	// Configuration errors are raised by invalid settings: unknown backend, device/backend
	// incompatibility, rank/device binding mismatches, invalid wrap policy parameters, etc.
	Configuration = errors.New("configuration error")

	// Communication errors are raised when workers fail to rendezvous within the timeout, or a
	// peer or the transport fails during a collective.
	Communication = errors.New("communication error")

	// Precondition errors are raised when an API is used out of order: collectives before
	// initialization or after teardown, reading sampler results before it was stopped, etc.
	Precondition = errors.New("precondition violated")
)

// Configurationf returns a new error of kind Configuration with the formatted message.
func Configurationf(format string, args ...any) error {
	return errors.Wrapf(Configuration, format, args...)
}

// Communicationf returns a new error of kind Communication with the formatted message.
func Communicationf(format string, args ...any) error {
	return errors.Wrapf(Communication, format, args...)
}

// Preconditionf returns a new error of kind Precondition with the formatted message.
func Preconditionf(format string, args ...any) error {
	return errors.Wrapf(Precondition, format, args...)
}

// WrapCommunication converts any transport error into a Communication error, keeping the original message.
// It returns nil if err is nil, and err unchanged if it is already of kind Communication.
func WrapCommunication(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, Communication) {
		return errors.WithMessagef(err, format, args...)
	}
	return errors.Wrapf(Communication, "%s: %v", errors.Errorf(format, args...).Error(), err)
}

// Kind returns the name of the kind of the error, or "" if it is not one of the known kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, Configuration):
		return "configuration"
	case errors.Is(err, Communication):
		return "communication"
	case errors.Is(err, Precondition):
		return "precondition"
	default:
		return ""
	}
}
