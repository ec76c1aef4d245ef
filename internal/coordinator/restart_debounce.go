// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package coordinator

import "time"

// scheduleFullRestartLocked coalesces a burst of full-restart triggers
// (e.g. CPU and GPU both reporting a fatal error off the same bad
// command stream) into a single restart, fired restartDebounce after
// the first trigger. A trigger that arrives while one is already
// pending is a no-op: the first reason wins, which is enough for logs
// and metrics to explain why the VM came back up. Callers must hold
// c.mu.
func (c *Coordinator) scheduleFullRestartLocked(reason string) {
	if c.restartPending {
		return
	}
	c.restartPending = true
	c.log.WithField("reason", reason).Warn("scheduling full VM restart")

	time.AfterFunc(c.restartDebounce, func() {
		select {
		case c.restartRequests <- reason:
		default:
		}
	})
}
