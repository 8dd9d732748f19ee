package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// replaySize bounds how far back a reconnecting client can resume
	// with Last-Event-ID.
	replaySize = 1000

	keepaliveInterval = 15 * time.Second

	clientBuffer = 64
)

// frame is one published lifecycle event as sent to stream clients.
type frame struct {
	ID    uint64
	Topic string
	Data  []byte
}

type listener struct {
	patterns []string
	ch       chan frame
}

func (l *listener) wants(topic string) bool {
	if len(l.patterns) == 0 {
		return true
	}
	for _, p := range l.patterns {
		if topicMatches(p, topic) {
			return true
		}
	}
	return false
}

// Stream fans lifecycle events out to server-sent-event clients and keeps
// the most recent ones for replay. It implements events.Publisher.
type Stream struct {
	logger zerolog.Logger

	mu        sync.Mutex
	listeners map[*listener]struct{}
	seq       uint64
	recent    []frame // ring of at most replaySize frames
	head      int     // next write position once recent is full

	done      chan struct{}
	closeOnce sync.Once
}

// NewStream creates an empty Stream.
func NewStream(logger zerolog.Logger) *Stream {
	return &Stream{
		logger:    logger,
		listeners: make(map[*listener]struct{}),
		done:      make(chan struct{}),
	}
}

// Publish encodes event and delivers it to every matching listener. Slow
// listeners miss frames rather than block the publisher.
func (s *Stream) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("event not encodable for stream")
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	f := frame{ID: s.seq, Topic: topic, Data: data}
	if len(s.recent) < replaySize {
		s.recent = append(s.recent, f)
	} else {
		s.recent[s.head] = f
		s.head = (s.head + 1) % replaySize
	}
	for l := range s.listeners {
		if !l.wants(topic) {
			continue
		}
		select {
		case l.ch <- f:
		default:
		}
	}
	return nil
}

// Close ends every open stream response. Publishing after Close still
// fills the replay ring.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// attach registers a listener and returns the retained frames newer than
// after that it wants, oldest first. Registration and the snapshot
// happen under one lock so no frame is missed or duplicated.
func (s *Stream) attach(patterns []string, after uint64) (*listener, []frame) {
	l := &listener{patterns: patterns, ch: make(chan frame, clientBuffer)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[l] = struct{}{}
	if after == 0 {
		return l, nil
	}
	var backlog []frame
	n := len(s.recent)
	for i := 0; i < n; i++ {
		f := s.recent[(s.head+i)%n]
		if f.ID > after && l.wants(f.Topic) {
			backlog = append(backlog, f)
		}
	}
	return l, backlog
}

func (s *Stream) detach(l *listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

// topicMatches matches dot-separated topics NATS style: "*" is one
// segment, a trailing ">" one or more.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, ".")
	tp := strings.Split(topic, ".")
	for i, p := range pp {
		if p == ">" {
			return i < len(tp)
		}
		if i >= len(tp) || (p != "*" && p != tp[i]) {
			return false
		}
	}
	return len(pp) == len(tp)
}

// handleEventStream handles GET /v1/events/stream.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var after uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		after, _ = strconv.ParseUint(v, 10, 64)
	}
	l, backlog := s.stream.attach(splitList(r.URL.Query().Get("topics")), after)
	defer s.stream.detach(l)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	for _, f := range backlog {
		writeFrame(w, f)
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stream.done:
			return
		case f := <-l.ch:
			writeFrame(w, f)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, f frame) {
	fmt.Fprintf(w, "id:%d\nevent:%s\ndata:%s\n\n", f.ID, f.Topic, f.Data)
}
