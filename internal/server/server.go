// Package server exposes the submission engine over HTTP.
package server

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sstlabs/esocial-engine/internal/lifecycle"
	"github.com/sstlabs/esocial-engine/internal/syncsched"
)

// Options configures the HTTP surface.
type Options struct {
	// AuthToken enables bearer authentication when non-empty.
	AuthToken string
	// RateLimit is the number of requests one client IP may make per
	// RateWindow (default 600 per minute). Negative disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// Stream feeds GET /v1/events/stream. The same Stream must be among
	// the publishers of the lifecycle service; nil creates an idle one.
	Stream *Stream
}

// Server serves the engine API.
type Server struct {
	svc    *lifecycle.Service
	sched  *syncsched.Scheduler
	stream *Stream
	opts   Options
	logger zerolog.Logger
}

// New returns a Server for svc and sched.
func New(svc *lifecycle.Service, sched *syncsched.Scheduler, opts Options, logger zerolog.Logger) *Server {
	if opts.RateLimit == 0 {
		opts.RateLimit = 600
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.Stream == nil {
		opts.Stream = NewStream(logger)
	}
	return &Server{
		svc:    svc,
		sched:  sched,
		stream: opts.Stream,
		opts:   opts,
		logger: logger,
	}
}
