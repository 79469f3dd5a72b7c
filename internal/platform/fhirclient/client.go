// Package fhirclient is the gateway's outbound client to the upstream FHIR
// R4 server named by PROXY_TO. It hand-tunes a pooled http.Transport the way
// HttpHelper does in the original Java gateway (GATEWAY_MAX_CONNECTION_TOTAL,
// GATEWAY_MAX_CONNECTION_PER_ROUTE, GATEWAY_SOCKET_TIMEOUT,
// GATEWAY_CONNECT_TIMEOUT, GATEWAY_CONNECTION_REQUEST_TIMEOUT) rather than
// importing a third-party HTTP client — see DESIGN.md.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/fhir-gateway/internal/platform/fhir"
)

// Config tunes the outbound connection pool to the upstream FHIR server.
type Config struct {
	BaseURL string

	SocketTimeout            time.Duration
	ConnectionRequestTimeout time.Duration
	ConnectTimeout           time.Duration
	MaxConnectionTotal       int
	MaxConnectionPerRoute    int
}

// Client forwards requests to, and issues REST calls against, the upstream
// FHIR server. A single Client is shared by every request the gateway
// handles; its Transport is pooled and safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// New builds a Client with a connection pool sized per cfg. The
// per-route limit is enforced as Transport.MaxConnsPerHost, since every
// request this gateway makes targets the same upstream host.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing upstream base url: %w", err)
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxConnectionTotal,
		MaxIdleConnsPerHost:   cfg.MaxConnectionPerRoute,
		MaxConnsPerHost:       cfg.MaxConnectionPerRoute,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.SocketTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: base,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.SocketTimeout + cfg.ConnectionRequestTimeout,
		},
	}, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL.String() + "/" + strings.TrimLeft(path, "/")
}

// BaseURL returns the configured upstream FHIR server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Forward relays an already-authorized request to the upstream FHIR server
// verbatim: same method, path+query, body and a conservative allowlist of
// headers. It returns the upstream status code, response headers, and body
// so the caller can both return it to the client and hand it to the audit
// synthesizer's postProcess step.
func (c *Client) Forward(ctx context.Context, method, pathAndQuery string, headers http.Header, body []byte) (status int, respHeaders http.Header, respBody []byte, err error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(pathAndQuery), reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("building upstream request: %w", err)
	}
	copyForwardableHeaders(req.Header, headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("forwarding to upstream: %w", err)
	}
	defer resp.Body.Close()

	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading upstream response: %w", err)
	}

	return resp.StatusCode, resp.Header, respBody, nil
}

// forwardableRequestHeaders is an allowlist of inbound headers relayed
// upstream. Authorization is deliberately excluded: the upstream FHIR server
// in this deployment trusts the gateway, not the caller's bearer token.
var forwardableRequestHeaders = []string{"Accept", "Content-Type", "If-Match", "If-None-Match", "Prefer"}

func copyForwardableHeaders(dst, src http.Header) {
	for _, name := range forwardableRequestHeaders {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}

// Get issues a GET against the upstream FHIR server and returns the raw
// response body. It returns (nil, false, nil) on a 404, which callers use to
// distinguish "not found" from a transport error.
func (c *Client) Get(ctx context.Context, path string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("GET %s: upstream returned %d: %s", path, resp.StatusCode, string(body))
	}
	return body, true, nil
}

// PostJSON POSTs a JSON body and returns the raw response body and status.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

// PostBatch sends a Bundle.type=batch carrying one GET entry per path, as a
// single upstream round trip, and returns the outer response Bundle. It
// mirrors fetchCompositionAndPractitionerDetails in the original gateway.
// The graph resolver does not use it: its traversal issues separate GETs.
func (c *Client) PostBatch(ctx context.Context, paths []string) (*fhir.Bundle, error) {
	entries := make([]fhir.BundleEntry, len(paths))
	for i, p := range paths {
		entries[i] = fhir.BundleEntry{
			Request: &fhir.BundleRequest{Method: http.MethodGet, URL: p},
		}
	}
	batch := fhir.Bundle{ResourceType: "Bundle", Type: "batch", Entry: entries}

	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshaling batch bundle: %w", err)
	}

	respBody, status, err := c.PostJSON(ctx, "/", raw)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("batch POST returned status %d: %s", status, string(respBody))
	}

	var result fhir.Bundle
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding batch response: %w", err)
	}
	return &result, nil
}

// PostResource POSTs a single resource (e.g. a synthesized AuditEvent) to its
// resource-type collection endpoint. It returns an error on a transport
// failure or a non-2xx status; the assigned id is not returned.
func (c *Client) PostResource(ctx context.Context, resourceType string, resource interface{}) error {
	raw, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", resourceType, err)
	}
	respBody, status, err := c.PostJSON(ctx, "/"+resourceType, raw)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("POST %s returned status %d: %s", resourceType, status, string(respBody))
	}
	return nil
}
