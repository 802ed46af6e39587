package statuscheck

import (
	"context"
	"errors"
	"time"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// StorageProber models the storage manager's write probe.
type StorageProber interface {
	WriteProbe() error
}

// Renderer reports whether the PDF rendering backend is operational.
type Renderer interface {
	Healthy() error
}

// Checker aggregates health checks for the service's dependencies.
type Checker struct {
	registry RedisPinger
	queue    RedisPinger
	storage  StorageProber
	renderer Renderer
}

// Options configures the Checker.
type Options struct {
	Registry RedisPinger
	Queue    RedisPinger
	Storage  StorageProber
	Renderer Renderer
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Registry Status `json:"registry"`
	Queue    Status `json:"queue"`
	Storage  Status `json:"storage"`
	Renderer Status `json:"renderer"`
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	return &Checker{
		registry: opts.Registry,
		queue:    opts.Queue,
		storage:  opts.Storage,
		renderer: opts.Renderer,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Registry: c.checkPing(ctx, c.registry),
		Queue:    c.checkPing(ctx, c.queue),
		Storage:  c.checkStorage(),
		Renderer: c.checkRenderer(),
	}
}

// Healthy reports overall readiness: every subsystem must pass.
func (c *Checker) Healthy(ctx context.Context) bool {
	s := c.Summary(ctx)
	return s.Registry.OK && s.Queue.OK && s.Storage.OK && s.Renderer.OK
}

func (c *Checker) checkPing(ctx context.Context, p RedisPinger) Status {
	if p == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkStorage() Status {
	if c.storage == nil {
		return Status{OK: false, Message: "not configured"}
	}
	if err := c.storage.WriteProbe(); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Writable"}
}

func (c *Checker) checkRenderer() Status {
	if c.renderer == nil {
		return Status{OK: false, Message: "not configured"}
	}
	if err := c.renderer.Healthy(); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
