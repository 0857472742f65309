// Package ambari fetches request status from an Ambari-style orchestration REST API:
//
//	GET {base}/clusters/{cluster}/requests/{id}?fields=tasks/*
//
// and converts the response into an operation.SnapshotBatch.
package ambari

import (
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

	"go.uber.org/zap"

	"github.com/JakeFAU/opwatch/internal/metrics"
	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/ratelimit"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 8 << 20
	requestedBy    = "opwatch"
)

// Config describes how to reach the server.
type Config struct {
	// BaseURL is the API root, e.g. http://ambari:8080/api/v1.
	BaseURL  string
	Cluster  string
	Username string
	Password string
	// Timeout bounds a single HTTP request.
	Timeout   time.Duration
	UserAgent string
	// RateLimit spaces requests to the server; zero RPS disables it.
	RateLimit ratelimit.Config
}

// Source implements operation.StatusSource over HTTP.
type Source struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// Option customizes a Source.
type Option func(*Source)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		if c != nil {
			s.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// New validates cfg and builds a Source.
func New(cfg Config, opts ...Option) (*Source, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("ambari base url is required")
	}
	if strings.TrimSpace(cfg.Cluster) == "" {
		return nil, errors.New("ambari cluster is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ambari base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("ambari base url must be http or https, got %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "opwatch"
	}
	s := &Source{
		cfg:     cfg,
		base:    base,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: ratelimit.New(cfg.RateLimit),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StatusURL returns the URL polled for requestID. Non-integer ids are rejected with
// operation.ErrInvalidRequestID.
func (s *Source) StatusURL(requestID string) (string, error) {
	id, err := operation.ParseRequestID(requestID)
	if err != nil {
		return "", err
	}
	u := s.base.JoinPath("clusters", s.cfg.Cluster, "requests", id)
	u.RawQuery = "fields=tasks/*"
	return u.String(), nil
}

// FetchStatus implements operation.StatusSource.
func (s *Source) FetchStatus(ctx context.Context, requestID string) (operation.SnapshotBatch, error) {
	target, err := s.StatusURL(requestID)
	if err != nil {
		return operation.SnapshotBatch{}, fmt.Errorf("build status request: %w", err)
	}
	if err := s.limiter.Wait(ctx, target); err != nil {
		return operation.SnapshotBatch{}, &operation.TransportError{RequestID: requestID, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return operation.SnapshotBatch{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("X-Requested-By", requestedBy)
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveSourceRequest(s.base.Host, "error", time.Since(start))
		return operation.SnapshotBatch{}, &operation.TransportError{RequestID: requestID, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Debug("close status response body", zap.Error(cerr))
		}
	}()
	metrics.ObserveSourceRequest(s.base.Host, metrics.StatusClass(resp.StatusCode), time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return operation.SnapshotBatch{}, &operation.TransportError{RequestID: requestID, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return operation.SnapshotBatch{}, &operation.TransportError{
			RequestID:  requestID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", snippet(body)),
		}
	}
	return Decode(body)
}

// Decode converts a status response body into a batch. Malformed bodies are reported as
// *operation.AggregationError.
func Decode(body []byte) (operation.SnapshotBatch, error) {
	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return operation.SnapshotBatch{}, &operation.AggregationError{Detail: "decode status response: " + err.Error()}
	}
	if resp.Requests.ID == nil {
		return operation.SnapshotBatch{}, &operation.AggregationError{Detail: "status response has no request id"}
	}
	batch := operation.SnapshotBatch{
		RequestID: resp.Requests.ID.String(),
		Tasks:     make([]operation.SubTaskSnapshot, 0, len(resp.Tasks)),
	}
	for _, t := range resp.Tasks {
		batch.Tasks = append(batch.Tasks, operation.SubTaskSnapshot{
			ID:      t.Tasks.ID.String(),
			Status:  NormalizeStatus(t.Tasks.Status),
			Host:    t.Tasks.HostName,
			Role:    t.Tasks.Role,
			Command: t.Tasks.Command,
		})
	}
	return batch, nil
}

// NormalizeStatus maps server-specific statuses onto the task statuses the aggregator
// understands. HOLDING variants wait for manual action; SKIPPED_FAILED counts as failed.
// Unknown statuses pass through unchanged and are rejected during aggregation.
func NormalizeStatus(raw string) operation.TaskStatus {
	switch s := strings.ToUpper(strings.TrimSpace(raw)); s {
	case "HOLDING":
		return operation.TaskInProgress
	case "HOLDING_FAILED", "SKIPPED_FAILED":
		return operation.TaskFailed
	case "HOLDING_TIMEDOUT":
		return operation.TaskTimedOut
	default:
		return operation.TaskStatus(s)
	}
}

type statusResponse struct {
	Requests struct {
		ID *flexID `json:"id"`
	} `json:"Requests"`
	Tasks []struct {
		Tasks struct {
			ID       flexID `json:"id"`
			Status   string `json:"status"`
			HostName string `json:"host_name"`
			Role     string `json:"role"`
			Command  string `json:"command"`
		} `json:"Tasks"`
	} `json:"tasks"`
}

// flexID accepts ids encoded as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("id %s is not an integer", n)
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string {
	return string(f)
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
