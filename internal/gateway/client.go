// Package gateway is the request layer between the bridge and the local
// daemon. Every call targets the registry's current address, carries the
// caller's process id and is bounded by the loopback timeouts.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/carlosprados/assetlink/internal/loopback"
	"github.com/carlosprados/assetlink/internal/metrics"
	"github.com/carlosprados/assetlink/internal/ports"
	"github.com/rs/zerolog/log"
)

// ReportFallbackThreshold is the number of failed report fetches after which
// every registry port is tried. By then a second daemon is expected to have
// been started on a fallback port.
const ReportFallbackThreshold = 10

// Payload is an opaque JSON request body.
type Payload map[string]any

// Response is the decoded JSON body returned by the daemon. Nil when the
// daemon answered with an empty or non-JSON body.
type Response map[string]any

// StatusError is returned when the daemon answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: daemon returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client dispatches feature requests to the daemon. It does not retry; the
// only multi-port logic lives in GetReports.
type Client struct {
	reg   *ports.Registry
	http  *http.Client
	appID int

	// failedReports is written only by GetReports.
	failedReports atomic.Int64
}

// New creates a gateway client. A nil httpClient gets the loopback default.
func New(reg *ports.Registry, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = loopback.NewClient(loopback.DefaultTimeouts)
	}
	return &Client{reg: reg, http: httpClient, appID: os.Getpid()}
}

// AppID is the caller identity attached to requests.
func (c *Client) AppID() int { return c.appID }

// FailedReports returns the consecutive report failure count on the default port.
func (c *Client) FailedReports() int { return int(c.failedReports.Load()) }

func (c *Client) withIdentity(p Payload) Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out["app_id"] = c.appID
	return out
}

// call sends the request to the current default address.
func (c *Client) call(ctx context.Context, method, path string, body Payload) (Response, error) {
	return c.callAt(ctx, c.reg.Address(), method, path, body)
}

func (c *Client) callAt(ctx context.Context, base, method, path string, body Payload) (Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	log.Debug().Str("component", "gateway").Str("method", method).Str("url", req.URL.String()).Msg("daemon request")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		// Some endpoints answer with plain text; callers only need the status.
		return nil, nil
	}
	return out, nil
}

// decodeAt is callAt for endpoints whose body is not a JSON object.
func (c *Client) decodeAt(ctx context.Context, base, method, path string, body Payload, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Task is one entry of a report: the state of an asynchronous daemon task.
type Task struct {
	TaskID   string         `json:"task_id"`
	AppID    int            `json:"app_id"`
	TaskType string         `json:"task_type"`
	Message  string         `json:"message"`
	Progress int            `json:"progress"`
	Status   string         `json:"status"`
	Data     map[string]any `json:"data,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
}

// GetReports fetches the state of all tasks of this instance. Below the
// fallback threshold only the default port is asked and a failure bumps the
// counter. From the threshold on, every port is tried in registry order and
// the first one that answers is promoted to default.
func (c *Client) GetReports(ctx context.Context, apiKey string) ([]Task, error) {
	body := Payload{"app_id": c.appID, "api_key": apiKey}

	if c.failedReports.Load() < ReportFallbackThreshold {
		var tasks []Task
		err := c.decodeAt(ctx, c.reg.Address(), http.MethodGet, "/report", body, &tasks)
		if err != nil {
			n := c.failedReports.Add(1)
			metrics.IncReportFailures()
			log.Debug().Str("component", "gateway").Int64("failures", n).Err(err).Msg("report fetch failed")
			return nil, err
		}
		return tasks, nil
	}

	var lastErr error
	for _, port := range c.reg.Ports() {
		var tasks []Task
		err := c.decodeAt(ctx, ports.AddressOf(port), http.MethodGet, "/report", body, &tasks)
		if err != nil {
			log.Warn().Str("component", "gateway").Int("port", port).Err(err).Msg("failed to get reports")
			lastErr = err
			continue
		}
		if err := c.reg.Reorder(port); err != nil {
			return nil, err
		}
		metrics.IncPortPromotions()
		log.Warn().Str("component", "gateway").Int("port", port).Msg("got reports, setting port as default for this instance")
		return tasks, nil
	}
	return nil, lastErr
}
