// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !unix

package memsampler

func hostPeakRSS() uint64 { return 0 }
