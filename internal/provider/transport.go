package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Do posts a JSON payload and returns the raw response. Non-2xx responses
// are drained and returned as *APIError so callers see status, headers and
// body through one error type.
func Do(ctx context.Context, name, url string, header http.Header, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewAPIError(name, resp, respBody)
	}
	return resp, nil
}

// Emit delivers a chunk unless the context is done first.
func Emit(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// ScanEvents walks "event:"/"data:" lines of an SSE body, forwarding
// whatever handle returns for each data payload. A nil chunk skips the
// event; a Done or Err chunk ends the scan. EOF without an explicit
// terminator is reported as Done.
func ScanEvents(ctx context.Context, body io.Reader, ch chan<- *Chunk, handle func(event, data string) *Chunk) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			c := handle(event, strings.TrimPrefix(line, "data: "))
			if c == nil {
				continue
			}
			if !Emit(ctx, ch, c) || c.Done || c.Err != nil {
				return
			}
		}
	}

	if err := sc.Err(); err != nil {
		Emit(ctx, ch, &Chunk{Err: err})
		return
	}
	Emit(ctx, ch, &Chunk{Done: true})
}
