// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package coordinator is the single point that owns every worker handle,
// shared-memory attachment, and config transition for one VM instance
// (spec.md §4.1 Worker Coordinator). It plays the role the teacher's
// virtcontainers.Sandbox plays for a pod of containers: the one object
// that knows how to bring the whole thing up, tear it down, and react to
// any one piece failing, while the pieces themselves (workers, rings,
// the device contract) stay ignorant of each other.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/aerocore/vmcore/internal/configdiff"
	"github.com/aerocore/vmcore/internal/devcontract"
	"github.com/aerocore/vmcore/internal/gpufence"
	"github.com/aerocore/vmcore/internal/nettrace"
	"github.com/aerocore/vmcore/internal/proto"
	"github.com/aerocore/vmcore/internal/shmem"
	"github.com/aerocore/vmcore/internal/vmconfig"
	"github.com/aerocore/vmcore/internal/worker"
)

var coordLog = logrus.FieldLogger(logrus.New())

// SetLogger overrides the package logger, following the same convention
// as every other package in this module.
func SetLogger(logger logrus.FieldLogger) {
	coordLog = logger
}

// DefaultRestartDebounce is how long the coordinator waits after the
// first trigger of a full restart before actually tearing the VM down,
// so a burst of near-simultaneous worker failures (e.g. CPU and GPU
// both wedged on the same bad command stream) produces one restart
// instead of several (spec.md §4.1 "full restart debounce").
const DefaultRestartDebounce = 250 * time.Millisecond

// DefaultRingCapacity sizes the audio-out and mic-in SPSC rings the
// coordinator hands out on ownership changes.
const DefaultRingCapacity = 64 * 1024

var errUnknownRole = errors.New("coordinator: unknown worker role")
var errNotRestartableInPlace = errors.New("coordinator: role is not restartable in place")
var errAlreadyStarted = errors.New("coordinator: already started")

// Coordinator owns the full set of worker handles for one VM instance
// and every piece of state that must survive an individual worker's
// restart: the device contract, ring ownership, GPU fence bookkeeping,
// and net trace state. Per spec.md §5 it is meant to be driven from a
// single event loop; the mutex here exists only to let the exported
// methods be called safely from whatever goroutine the embedder (a CLI
// command, an RPC handler, a test) happens to run on, not because the
// internal logic is itself concurrent.
type Coordinator struct {
	mu sync.Mutex

	instanceID uuid.UUID
	log        logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	started bool

	config   vmconfig.Config
	contract devcontract.DeviceContract

	owners   *shmem.OwnerRegistry
	audioRing *shmem.Ring
	micRing   *shmem.Ring
	scanout   shmem.ScanoutSource

	gpu *gpufence.Tracker
	net *nettrace.Controller

	statuses       map[worker.Role]worker.Status
	handles        map[worker.Role]*worker.Handle[proto.Message]
	nextInstanceID map[worker.Role]uint64
	entrypoints    map[worker.Role]worker.Entrypoint[proto.Message]

	fromWorkers     chan proto.Envelope
	restartRequests chan string
	restartDebounce time.Duration
	restartPending  bool

	metrics *metricsSet
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithEntrypoint overrides the worker entrypoint used for role. Absent
// an override, DefaultEntrypoint is used — a test double that simply
// acknowledges Init with Ready and otherwise idles, exactly the part
// the teacher's noop_agent.go plays for a hypervisor agent.
func WithEntrypoint(role worker.Role, entry worker.Entrypoint[proto.Message]) Option {
	return func(c *Coordinator) { c.entrypoints[role] = entry }
}

// WithRestartDebounce overrides DefaultRestartDebounce.
func WithRestartDebounce(d time.Duration) Option {
	return func(c *Coordinator) { c.restartDebounce = d }
}

// WithRingCapacity overrides DefaultRingCapacity for both the audio-out
// and mic-in rings.
func WithRingCapacity(capacity uint64) Option {
	return func(c *Coordinator) {
		c.audioRing = shmem.NewRing(capacity)
		c.micRing = shmem.NewRing(capacity)
	}
}

// New constructs a Coordinator for cfg, not yet started.
func New(cfg vmconfig.Config, opts ...Option) *Coordinator {
	id := uuid.New()
	c := &Coordinator{
		instanceID:      id,
		log:             coordLog.WithField("vm_instance", id.String()),
		config:          cfg.Clone(),
		owners:          shmem.NewOwnerRegistry(),
		audioRing:       shmem.NewRing(DefaultRingCapacity),
		micRing:         shmem.NewRing(DefaultRingCapacity),
		scanout:         shmem.ScanoutLegacy,
		gpu:             gpufence.NewTracker(gpufence.DefaultPendingQueueCap),
		net:             nettrace.NewController(),
		statuses:        make(map[worker.Role]worker.Status),
		handles:         make(map[worker.Role]*worker.Handle[proto.Message]),
		nextInstanceID:  make(map[worker.Role]uint64),
		entrypoints:     make(map[worker.Role]worker.Entrypoint[proto.Message]),
		fromWorkers:     make(chan proto.Envelope, 256),
		restartRequests: make(chan string, 1),
		restartDebounce: DefaultRestartDebounce,
		metrics:         newMetricsSet(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, role := range worker.Roles {
		c.statuses[role] = worker.Status{Role: role, State: worker.StateAbsent}
	}
	return c
}

// Metrics returns the Prometheus collector registry backing this
// coordinator's gauges and counters, for the embedder to expose however
// it likes (an HTTP /metrics handler, a push gateway, or nothing at
// all).
func (c *Coordinator) Metrics() prometheus.Gatherer { return c.metrics.registry }

// ScanoutSource reports which worker is currently modeled as the
// framebuffer's producer. It defaults to shmem.ScanoutLegacy and is
// returned there by Reset (spec.md §4.1).
func (c *Coordinator) ScanoutSource() shmem.ScanoutSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanout
}

// InstanceID identifies this VM instance for logs and traces.
func (c *Coordinator) InstanceID() uuid.UUID { return c.instanceID }

// Start builds the device contract for the current config, spawns every
// worker role, and begins processing their messages. It returns once
// every worker has been spawned; it does not wait for Ready.
func (c *Coordinator) Start(ctx context.Context) error {
	span, spanCtx := opentracing.StartSpanFromContext(ctx, "coordinator.Start")
	defer span.Finish()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errAlreadyStarted
	}

	c.ctx, c.cancel = context.WithCancel(spanCtx)
	c.contract = devcontract.Build(c.config)

	for _, role := range worker.Roles {
		c.spawnWorkerLocked(role)
	}

	c.started = true
	go c.run()

	c.log.Info("coordinator started")
	return nil
}

// Stop tears down every worker and stops the event loop. It is safe to
// call more than once.
func (c *Coordinator) Stop(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "coordinator.Stop")
	defer span.Finish()

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	handles := c.handlesSnapshotLocked()
	c.cancel()
	c.mu.Unlock()

	return stopAll(ctx, handles)
}

// Restart tears down and respawns every worker, resetting the GPU fence
// tracker (nothing in flight can survive a dead GPU worker) and ring
// ownership (new workers must re-attach), while preserving the
// persisted net trace enable flag and the active config.
func (c *Coordinator) Restart(ctx context.Context, reason string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "coordinator.Restart")
	span.SetTag("reason", reason)
	defer span.Finish()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartLocked(ctx, reason)
}

func (c *Coordinator) restartLocked(ctx context.Context, reason string) error {
	c.log.WithField("reason", reason).Warn("performing full VM restart")
	c.metrics.fullRestarts.Inc()

	handles := c.handlesSnapshotLocked()
	if c.cancel != nil {
		c.cancel()
	}
	if err := stopAll(ctx, handles); err != nil {
		c.log.WithError(err).Warn("one or more workers did not stop cleanly before restart")
	}

	c.gpu.TerminateGPU(func(fence uint64) {
		c.log.WithField("fence", fence).Debug("force-completing fence across full restart")
	})
	c.observeGPUMetricsLocked()
	c.owners = shmem.NewOwnerRegistry()
	c.restartPending = false

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.contract = devcontract.Build(c.config)
	for _, role := range worker.Roles {
		c.spawnWorkerLocked(role)
	}
	c.started = true
	return nil
}

// Reset tears every worker down and respawns them with the same
// entrypoint selection, but — unlike Restart — preserves shared memory:
// ring ownership is left exactly as it was, so a worker that comes back
// ready still owns what it owned before, and the underlying Ring/
// Framebuffer objects are never reallocated. It additionally returns
// the framebuffer's scanout source to its default (spec.md §4.1
// "reset(reason)").
func (c *Coordinator) Reset(ctx context.Context, reason string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "coordinator.Reset")
	span.SetTag("reason", reason)
	defer span.Finish()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked(ctx, reason)
}

func (c *Coordinator) resetLocked(ctx context.Context, reason string) error {
	c.log.WithField("reason", reason).Warn("resetting VM, preserving shared memory")
	c.metrics.fullRestarts.Inc()

	handles := c.handlesSnapshotLocked()
	if c.cancel != nil {
		c.cancel()
	}
	if err := stopAll(ctx, handles); err != nil {
		c.log.WithError(err).Warn("one or more workers did not stop cleanly before reset")
	}

	c.gpu.TerminateGPU(func(fence uint64) {
		c.log.WithField("fence", fence).Debug("force-completing fence across reset")
	})
	c.observeGPUMetricsLocked()
	// Deliberately no c.owners reset and no Ring/Framebuffer
	// reallocation here: that is the entire difference from restartLocked
	// — reset preserves shared memory instead of tearing it down.
	c.scanout = shmem.ScanoutLegacy
	c.restartPending = false

	c.ctx, c.cancel = context.WithCancel(ctx)
	for _, role := range worker.Roles {
		c.spawnWorkerLocked(role)
	}
	c.started = true
	return nil
}

// RestartWorker restarts a single worker role in place. Only roles
// where Role.RestartableInPlace() is true (currently just Net) may be
// restarted this way; anything else must go through Restart.
func (c *Coordinator) RestartWorker(ctx context.Context, role worker.Role) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "coordinator.RestartWorker")
	span.SetTag("role", string(role))
	defer span.Finish()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartWorkerLocked(ctx, role)
}

func (c *Coordinator) restartWorkerLocked(ctx context.Context, role worker.Role) error {
	if !role.RestartableInPlace() {
		return errors.Wrapf(errNotRestartableInPlace, "role %q", role)
	}

	c.metrics.workerRestarts.WithLabelValues(string(role)).Inc()
	c.log.WithField("role", string(role)).Warn("restarting worker in place")

	if h, ok := c.handles[role]; ok {
		_ = h.Stop(ctx)
	}
	if role == worker.RoleNet {
		c.net.OnNetWorkerTerminated()
	}
	c.spawnWorkerLocked(role)
	return nil
}

func (c *Coordinator) handlesSnapshotLocked() map[worker.Role]*worker.Handle[proto.Message] {
	out := make(map[worker.Role]*worker.Handle[proto.Message], len(c.handles))
	for role, h := range c.handles {
		out[role] = h
	}
	return out
}

func stopAll(ctx context.Context, handles map[worker.Role]*worker.Handle[proto.Message]) error {
	var firstErr error
	for _, h := range handles {
		if err := h.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// run is the coordinator's single event loop goroutine: every worker
// message and every debounced restart request is processed here, one
// at a time, which is what lets the rest of this package get away with
// no locking around the domain state itself (spec.md §5).
func (c *Coordinator) run() {
	for {
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			// Restart/Reset cancel the old context and install a new one
			// while holding c.mu; keep running on the new context and
			// exit only when Stop has cleared started.
			c.mu.Lock()
			replaced := c.started && c.ctx != ctx
			c.mu.Unlock()
			if !replaced {
				return
			}
		case env := <-c.fromWorkers:
			c.handleEnvelope(env)
		case reason := <-c.restartRequests:
			c.mu.Lock()
			if c.restartPending {
				_ = c.restartLocked(context.Background(), reason)
			}
			c.mu.Unlock()
		}
	}
}
