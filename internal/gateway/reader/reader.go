// Package reader implements the Request Reader: the first stage of the
// gateway's pipeline, which turns an inbound echo.Context into a
// RequestContext the rest of the pipeline works from — method, target
// resource type/id, raw query, and (for a batch/transaction Bundle) the
// per-entry breakdown the access checker chain evaluates independently.
package reader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/google/fhir-gateway/internal/platform/auth"
)

// RestOperationType mirrors the operation classification the upstream FHIR
// server and the audit synthesizer both key off: CRUD verbs plus the search
// variants a GET can resolve to.
type RestOperationType string

const (
	OperationCreate     RestOperationType = "CREATE"
	OperationRead       RestOperationType = "READ"
	OperationVRead      RestOperationType = "VREAD"
	OperationUpdate     RestOperationType = "UPDATE"
	OperationDelete     RestOperationType = "DELETE"
	OperationSearchType RestOperationType = "SEARCH_TYPE"
	OperationSearchSys  RestOperationType = "SEARCH_SYSTEM"
	OperationGetPage    RestOperationType = "GET_PAGE"
	OperationTransaction RestOperationType = "TRANSACTION"
	OperationUnknown    RestOperationType = "UNKNOWN"
)

// BundleEntryRequest is one entry of an inbound batch/transaction Bundle,
// reduced to what the access checker chain needs to evaluate it
// independently of its siblings.
type BundleEntryRequest struct {
	Method       string
	URL          string
	ResourceType string
	ResourceID   string
	Operation    RestOperationType
	Resource     json.RawMessage
}

// RequestContext is the Request Reader's output: everything downstream
// components need, already parsed out of the raw HTTP request.
type RequestContext struct {
	Principal auth.Principal

	Method       string
	Path         string
	RawQuery     string
	ResourceType string
	ResourceID   string
	Operation    RestOperationType

	Body []byte

	// IsBundle is true when the request body is a Bundle of type "batch" or
	// "transaction" — every entry is access-checked on its own.
	IsBundle     bool
	BundleType   string
	BundleEntries []BundleEntryRequest

	RequestID string
}

// bundleEnvelope is the minimal shape needed to detect and walk a batch or
// transaction Bundle without depending on the full fhir.Bundle type (which
// carries fields this reader never needs).
type bundleEnvelope struct {
	ResourceType string          `json:"resourceType"`
	Type         string          `json:"type"`
	Entry        []bundleEntryJSON `json:"entry"`
}

type bundleEntryJSON struct {
	Resource json.RawMessage     `json:"resource"`
	Request  *bundleRequestJSON  `json:"request"`
}

type bundleRequestJSON struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Read parses an echo.Context into a RequestContext. It never makes an
// access decision itself — it only extracts what one requires.
func Read(c echo.Context) (*RequestContext, error) {
	principal := auth.PrincipalFromContext(c.Request().Context())

	body, err := readBody(c)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	rc := &RequestContext{
		Principal: principal,
		Method:    c.Request().Method,
		Path:      c.Request().URL.Path,
		RawQuery:  c.Request().URL.RawQuery,
		Body:      body,
		RequestID: requestID(c),
	}

	resourceType, resourceID := parseResourcePath(rc.Path)
	rc.ResourceType = resourceType
	rc.ResourceID = resourceID

	if resourceType == "" && len(body) > 0 {
		if env, ok := tryParseBundle(body); ok {
			rc.IsBundle = true
			rc.BundleType = env.Type
			rc.BundleEntries = make([]BundleEntryRequest, 0, len(env.Entry))
			for _, e := range env.Entry {
				entry := BundleEntryRequest{Resource: e.Resource}
				if e.Request != nil {
					entry.Method = e.Request.Method
					entry.URL = e.Request.URL
					entryPath := e.Request.URL
					if i := strings.Index(entryPath, "?"); i >= 0 {
						entryPath = entryPath[:i]
					}
					entry.ResourceType, entry.ResourceID = parseResourcePath("/" + strings.TrimPrefix(entryPath, "/"))
					entry.Operation = classifyOperation(entry.Method, entry.ResourceID, queryOf(entry.URL))
				}
				rc.BundleEntries = append(rc.BundleEntries, entry)
			}
			rc.Operation = OperationTransaction
			return rc, nil
		}
	}

	rc.Operation = classifyOperation(rc.Method, rc.ResourceID, rc.RawQuery)
	if strings.HasSuffix(rc.Path, "/_history") && rc.ResourceID != "" {
		rc.Operation = OperationVRead
	}
	if strings.Contains(rc.RawQuery, "_getpages") {
		rc.Operation = OperationGetPage
	}

	return rc, nil
}

// readBody drains and restores the request body, since the forward step
// later in the pipeline needs to replay it against the upstream server.
func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func requestID(c echo.Context) string {
	if v := c.Get("request_id"); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return c.Request().Header.Get("X-Request-Id")
}

// parseResourcePath splits a FHIR REST path into its resourceType and
// (optional) id, tolerating an optional leading mount prefix such as
// "/fhir/Patient/123".
func parseResourcePath(path string) (resourceType, resourceID string) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.Split(trimmed, "/")
	// Drop a mount-point segment such as "fhir" if the first segment isn't
	// capitalized like a FHIR resource type.
	if len(parts) > 0 && parts[0] != "" && !isResourceTypeSegment(parts[0]) {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return "", ""
	}
	resourceType = parts[0]
	if len(parts) > 1 && parts[1] != "_history" {
		resourceID = parts[1]
	}
	return resourceType, resourceID
}

func isResourceTypeSegment(s string) bool {
	if s == "" {
		return false
	}
	first := s[0]
	return first >= 'A' && first <= 'Z'
}

func classifyOperation(method, resourceID, query string) RestOperationType {
	switch method {
	case http.MethodPost:
		return OperationCreate
	case http.MethodPut:
		return OperationUpdate
	case http.MethodDelete:
		return OperationDelete
	case http.MethodGet:
		if resourceID != "" {
			return OperationRead
		}
		if query == "" {
			return OperationSearchSys
		}
		return OperationSearchType
	default:
		return OperationUnknown
	}
}

func queryOf(url string) string {
	if i := strings.Index(url, "?"); i >= 0 {
		return url[i+1:]
	}
	return ""
}

func tryParseBundle(body []byte) (*bundleEnvelope, bool) {
	var env bundleEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	if env.ResourceType != "Bundle" {
		return nil, false
	}
	if env.Type != "batch" && env.Type != "transaction" {
		return nil, false
	}
	return &env, true
}
