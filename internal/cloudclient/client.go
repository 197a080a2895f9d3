// Package cloudclient implements the gateway's connection to a configured
// cloud inference endpoint: a pooled HTTPS client with deadline
// propagation, above-threshold compression, and error classification into
// Transient/Permanent/Timeout buckets for the Router's circuit breaker and
// the Offline Queue's retry policy.
package cloudclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edgemcp/gateway/pkg/models"
)

// ErrorClass is the cloud error taxonomy §4.6 requires the Router and
// Offline Queue to reason about.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
	ClassTimeout
)

// CloudError carries the classification alongside the underlying cause.
type CloudError struct {
	Class      ErrorClass
	StatusCode int
	Cause      error
}

func (e *CloudError) Error() string {
	return fmt.Sprintf("cloudclient: status=%d class=%d: %v", e.StatusCode, e.Class, e.Cause)
}

func (e *CloudError) Unwrap() error { return e.Cause }

// Client sends requests to the configured cloud endpoint over a bounded
// pool of keep-alive HTTPS connections keyed by endpoint, mirroring the
// single long-lived *http.Client pattern used for outbound provider calls
// elsewhere in this family of gateways.
type Client struct {
	endpoint            string
	http                *http.Client
	compressAboveBytes  int
}

// New builds a Client with a connection pool sized for a constrained edge
// device: modest per-host concurrency, aggressive idle-connection reuse.
func New(endpoint string, timeout time.Duration, compressAboveBytes int) *Client {
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		MaxConnsPerHost:     16,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		compressAboveBytes: compressAboveBytes,
	}
}

// Send implements the Cloud Client contract send(R) -> Result<S,
// CloudError>. The idempotency token is the request's own stable ID, so a
// retried send after a crash or timeout is safe to re-issue.
func (c *Client) Send(ctx context.Context, req *models.Request) (*models.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &CloudError{Class: ClassPermanent, Cause: err}
	}

	var reader io.Reader = bytes.NewReader(body)
	compressed := false
	if len(body) > c.compressAboveBytes && c.compressAboveBytes > 0 {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err != nil {
			return nil, &CloudError{Class: ClassPermanent, Cause: err}
		}
		if err := gw.Close(); err != nil {
			return nil, &CloudError{Class: ClassPermanent, Cause: err}
		}
		reader = &buf
		compressed = true
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, reader)
	if err != nil {
		return nil, &CloudError{Class: ClassPermanent, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ID)
	if compressed {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &CloudError{Class: ClassTimeout, Cause: err}
		}
		return nil, &CloudError{Class: ClassTransient, Cause: err}
	}
	defer resp.Body.Close()

	if class, ok := classifyStatus(resp.StatusCode); !ok {
		return nil, &CloudError{Class: class, StatusCode: resp.StatusCode, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var out models.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &CloudError{Class: ClassPermanent, StatusCode: resp.StatusCode, Cause: err}
	}
	return &out, nil
}

// classifyStatus maps an HTTP status to the cloud error taxonomy. ok is
// false whenever the status itself is the error (anything outside 2xx).
func classifyStatus(status int) (ErrorClass, bool) {
	switch {
	case status >= 200 && status < 300:
		return 0, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ClassTimeout, false
	case status == http.StatusTooManyRequests, status >= 500:
		return ClassTransient, false
	default:
		return ClassPermanent, false
	}
}
