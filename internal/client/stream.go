package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sstlabs/esocial-engine/internal/events"
)

// StreamEvents follows the server-sent event stream and calls fn for each
// lifecycle event whose topic matches one of topics (all when empty). It
// returns when ctx ends, the server closes the stream or fn fails.
func (c *HTTPClient) StreamEvents(ctx context.Context, topics []string, fn func(events.Message) error) error {
	path := "/v1/events/stream"
	if len(topics) > 0 {
		path += "?" + url.Values{"topics": {strings.Join(topics, ",")}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	err = readFrames(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readFrames parses a text/event-stream body. Comment lines are
// keepalives; a blank line ends a frame.
func readFrames(r io.Reader, fn func(events.Message) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	var (
		msg  events.Message
		data []string
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if msg.Topic != "" || len(data) > 0 {
				msg.Data = []byte(strings.Join(data, "\n"))
				if err := fn(msg); err != nil {
					return err
				}
			}
			msg, data = events.Message{}, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			msg.Topic = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return nil
}
