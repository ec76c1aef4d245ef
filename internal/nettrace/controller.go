// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package nettrace implements the enable/disable toggle, snapshot
// export, and take-and-clear capture for guest network frames routed
// through the Net worker (spec.md §4.5). The coordinator never stores
// frames itself; this package only tracks the enabled flag (so it can
// be re-applied on Net worker restart) and the outstanding RPC
// bookkeeping.
package nettrace

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/aerocore/vmcore/internal/rpc"
)

var traceLog = logrus.NewEntry(logrus.StandardLogger()).WithField("subsystem", "nettrace")

// SetLogger overrides the package logger.
func SetLogger(logger logrus.FieldLogger) {
	traceLog = logger.WithField("subsystem", "nettrace")
}

// PcapngResult is the payload of a take/export response.
type PcapngResult struct {
	Bytes []byte
}

// Stats is the payload of a status response.
type Stats struct {
	Enabled        bool
	Records        uint64
	Bytes          uint64
	DroppedRecords uint64
	DroppedBytes   uint64
}

// Sender posts trace commands to the Net worker. The coordinator
// implements this over the worker's message channel. The RPC-style
// Send* methods return an error if posting itself failed (e.g. a
// hostile or crashed transport) so Controller can reject the
// corresponding future with a canonical error rather than leaving it
// to hang (spec.md §4.5 Robustness).
type Sender interface {
	SendEnable()
	SendDisable()
	SendTakePcapng(requestID uint64) error
	SendExportPcapng(requestID uint64) error
	SendStatus(requestID uint64) error
}

// Controller is the coordinator-side state for §4.5: the persisted
// enabled flag and two RPC registries, one per response payload type:
// take and export requests share the pcapng registry, status requests
// use the status registry.
type Controller struct {
	mu      sync.Mutex
	enabled bool

	nextRequestID atomic.Uint64

	pcapng *rpc.Registry[PcapngResult]
	status *rpc.Registry[Stats]
}

// NewController returns a Controller with tracing disabled.
func NewController() *Controller {
	return &Controller{
		pcapng: rpc.NewRegistry[PcapngResult](),
		status: rpc.NewRegistry[Stats](),
	}
}

func (c *Controller) allocRequestID() uint64 {
	return c.nextRequestID.Add(1)
}

// SetEnabled persists the enable flag and fires the corresponding
// fire-and-forget command to Net. The flag survives Net worker restart
// so ReapplyOnReady can resend it.
func (c *Controller) SetEnabled(enabled bool, sender Sender) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()

	if enabled {
		sender.SendEnable()
	} else {
		sender.SendDisable()
	}
}

// Enabled reports the persisted enable flag.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// ReapplyOnReady re-sends the persisted enable flag to a freshly
// (re)started Net worker (spec.md §4.1 "Ready re-sync").
func (c *Controller) ReapplyOnReady(sender Sender) {
	if c.Enabled() {
		sender.SendEnable()
	}
}

// TakePcapng allocates a request id, posts take_pcapng, and returns a
// future resolved by the matching response.
func (c *Controller) TakePcapng(sender Sender) *rpc.Future[PcapngResult] {
	id := c.allocRequestID()
	f := c.pcapng.Add(id)
	if err := sender.SendTakePcapng(id); err != nil {
		c.pcapng.RejectOne(id, errPostFailed)
	}
	return f
}

// ExportPcapng allocates a request id, posts export_pcapng, and returns
// a future resolved by the matching response.
func (c *Controller) ExportPcapng(sender Sender) *rpc.Future[PcapngResult] {
	id := c.allocRequestID()
	f := c.pcapng.Add(id)
	if err := sender.SendExportPcapng(id); err != nil {
		c.pcapng.RejectOne(id, errPostFailed)
	}
	return f
}

// GetStats allocates a request id, posts a status request, and returns
// a future resolved by the matching response.
func (c *Controller) GetStats(sender Sender) *rpc.Future[Stats] {
	id := c.allocRequestID()
	f := c.status.Add(id)
	if err := sender.SendStatus(id); err != nil {
		c.status.RejectOne(id, errPostFailed)
	}
	return f
}

// OnPcapngResult resolves a pending take/export request.
func (c *Controller) OnPcapngResult(requestID uint64, result PcapngResult) {
	c.pcapng.Resolve(requestID, result)
}

// OnStatusResult resolves a pending status request.
func (c *Controller) OnStatusResult(requestID uint64, stats Stats) {
	c.status.Resolve(requestID, stats)
}

// OnNetWorkerTerminated rejects every outstanding request with the
// canonical "net worker restarted" error (spec.md §4.5, S7).
func (c *Controller) OnNetWorkerTerminated() {
	c.pcapng.RejectAll(errNetWorkerRestarted)
	c.status.RejectAll(errNetWorkerRestarted)
}

// Clear is a convenience the coordinator's clearNetTrace operation uses
// to drop any in-flight take/export/status requests without waiting for
// a Net worker round trip — distinct from OnNetWorkerTerminated in that
// it does not imply the worker died.
func (c *Controller) Clear() {
	c.pcapng.RejectAll(errNetTraceCleared)
	c.status.RejectAll(errNetTraceCleared)
}

// WaitPcapng is a convenience wrapper bundling Future.Wait with ctx.
func WaitPcapng(ctx context.Context, f *rpc.Future[PcapngResult]) (PcapngResult, error) {
	return f.Wait(ctx)
}

// WaitStats is a convenience wrapper bundling Future.Wait with ctx.
func WaitStats(ctx context.Context, f *rpc.Future[Stats]) (Stats, error) {
	return f.Wait(ctx)
}
