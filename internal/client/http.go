package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-kge/internal/wire"
)

// RequestIDHeader carries the correlation id of a scoring request.
const RequestIDHeader = "X-Request-ID"

// HTTPClient scores CBOR requests against a kge server's /score endpoint.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	breaker *CircuitBreaker
}

// NewHTTPClient creates a client for the server at baseURL
// (e.g. http://localhost:8080).
func NewHTTPClient(baseURL string, timeout time.Duration, breaker *CircuitBreaker) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Score posts req and decodes the score tensor from the response.
func (c *HTTPClient) Score(ctx context.Context, req *wire.ScoreRequest) (*wire.ScoreResponse, error) {
	var resp *wire.ScoreResponse
	start := time.Now()
	err := c.breaker.Do(func() error {
		var err error
		resp, err = c.post(ctx, req)
		return err
	})
	remoteDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	if err != nil {
		remoteErrors.WithLabelValues("http").Inc()
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) post(ctx context.Context, req *wire.ScoreRequest) (*wire.ScoreResponse, error) {
	var body bytes.Buffer
	if err := wire.EncodeRequest(&body, req); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/cbor")
	httpReq.Header.Set(RequestIDHeader, uuid.New().String())

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("score request %s: %s: %s",
			httpReq.Header.Get(RequestIDHeader), httpResp.Status, strings.TrimSpace(string(msg)))
	}
	return wire.DecodeResponse(httpResp.Body)
}
