// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package nettrace

import "github.com/pkg/errors"

// errNetWorkerRestarted is the canonical rejection reason for
// outstanding net-trace RPCs when the Net worker terminates. Its text
// must match spec.md S7's /net worker restarted/i expectation.
var errNetWorkerRestarted = errors.New("net worker restarted")

// errNetTraceCleared rejects in-flight requests dropped by an explicit
// clearNetTrace call, distinct from a worker actually dying.
var errNetTraceCleared = errors.New("net trace cleared")

// errPostFailed is the canonical error a returned future rejects with
// when posting the request to the Net worker raised synchronously
// (spec.md §4.5 Robustness).
var errPostFailed = errors.New("posting to net worker failed")
