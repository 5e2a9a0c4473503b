package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stemflow/internal/services"
)

// Client talks to the daemon HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the daemon bound at addr (host:port or URL).
func NewClient(addr string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: 60 * time.Second}}
}

// Error is a non-2xx daemon reply.
type Error struct {
	Status  int
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

var kindMarkers = map[string]error{
	"validation":     services.ErrValidation,
	"configuration":  services.ErrConfiguration,
	"not_found":      services.ErrNotFound,
	"already_exists": services.ErrAlreadyExists,
	"invalid_format": services.ErrInvalidFormat,
	"parse":          services.ErrParse,
	"read":           services.ErrReadFailure,
	"write":          services.ErrWriteFailure,
	"cancelled":      services.ErrCancelled,
}

// Unwrap maps the reported kind back to its marker error.
func (e *Error) Unwrap() error {
	if marker, ok := kindMarkers[e.Kind]; ok {
		return marker
	}
	return services.ErrTransient
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Tasks lists tasks; history includes journaled tasks from earlier runs.
func (c *Client) Tasks(ctx context.Context, history bool) ([]TaskView, error) {
	path := "/api/tasks"
	if history {
		path += "?history=1"
	}
	var out TaskListResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Tasks, err
}

// CancelTask cancels a waiting task or aborts the submitted one.
func (c *Client) CancelTask(ctx context.Context, id string) (CancelResponse, error) {
	var out CancelResponse
	err := c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Events fetches hub events after since. wait long-polls until one arrives.
func (c *Client) Events(ctx context.Context, since uint64, limit int, wait bool) (EventsResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if wait {
		q.Set("follow", "1")
	}
	var out EventsResponse
	err := c.do(ctx, http.MethodGet, "/api/events?"+q.Encode(), nil, &out)
	return out, err
}

// StartIngest starts an acquisition session.
func (c *Client) StartIngest(ctx context.Context, req IngestRequest) (IngestStatus, error) {
	var out IngestStatus
	err := c.do(ctx, http.MethodPost, "/api/ingest", req, &out)
	return out, err
}

// Ingest returns the current or last session.
func (c *Client) Ingest(ctx context.Context) (IngestStatus, error) {
	var out IngestStatus
	err := c.do(ctx, http.MethodGet, "/api/ingest", nil, &out)
	return out, err
}

// PauseIngest closes both session gates.
func (c *Client) PauseIngest(ctx context.Context) (IngestStatus, error) {
	return c.ingestAction(ctx, "pause")
}

// ResumeIngest reopens both session gates.
func (c *Client) ResumeIngest(ctx context.Context) (IngestStatus, error) {
	return c.ingestAction(ctx, "resume")
}

// StopIngest cancels the session.
func (c *Client) StopIngest(ctx context.Context) (IngestStatus, error) {
	return c.ingestAction(ctx, "stop")
}

func (c *Client) ingestAction(ctx context.Context, action string) (IngestStatus, error) {
	var out IngestStatus
	err := c.do(ctx, http.MethodPost, "/api/ingest/"+action, nil, &out)
	return out, err
}

// Reconstruct enqueues a derived-image task.
func (c *Client) Reconstruct(ctx context.Context, req ReconstructRequest) (TaskView, error) {
	var out TaskResponse
	err := c.do(ctx, http.MethodPost, "/api/reconstruct", req, &out)
	return out.Task, err
}

// Preview returns the live preview image.
func (c *Client) Preview(ctx context.Context) (PreviewResponse, error) {
	var out PreviewResponse
	err := c.do(ctx, http.MethodGet, "/api/preview", nil, &out)
	return out, err
}

// SetPreviewRadii changes the live preview annulus.
func (c *Client) SetPreviewRadii(ctx context.Context, req PreviewRadiiRequest) (PreviewResponse, error) {
	var out PreviewResponse
	err := c.do(ctx, http.MethodPost, "/api/preview/radii", req, &out)
	return out, err
}

// PreviewFITS streams the live preview as FITS into w.
func (c *Client) PreviewFITS(ctx context.Context, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/preview.fits", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	apiErr := &Error{Status: resp.StatusCode}
	var payload ErrorResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&payload); decodeErr == nil {
		apiErr.Kind = payload.Kind
		apiErr.Message = payload.Error
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return nil, apiErr
}

// IsUnavailable reports whether err means no daemon answered.
func IsUnavailable(err error) bool {
	var apiErr *Error
	if err == nil || errors.As(err, &apiErr) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
