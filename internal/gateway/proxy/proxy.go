// Package proxy wires the gateway's pipeline into a single echo handler:
// read the request, run it through the access checker chain, rewrite
// sync-shaped GETs with the resolved scope, forward to the upstream FHIR
// server, and synthesize a BALP audit event on a successful response —
// exactly the control flow the access-decision pipeline describes.
package proxy

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/google/fhir-gateway/internal/gateway/access"
	"github.com/google/fhir-gateway/internal/gateway/audit"
	"github.com/google/fhir-gateway/internal/gateway/reader"
	"github.com/google/fhir-gateway/internal/gateway/syncscope"
	"github.com/google/fhir-gateway/internal/platform/fhir"
	"github.com/google/fhir-gateway/internal/platform/fhirclient"
)

// Handler is the gateway's single route: every inbound FHIR request under
// the proxy mount point is dispatched through Handle.
type Handler struct {
	client  *fhirclient.Client
	scope   *syncscope.Resolver
	checker access.Checker
	synth   *audit.Synthesizer
	log     zerolog.Logger
}

// New builds a Handler from the pipeline's components.
func New(client *fhirclient.Client, scope *syncscope.Resolver, checker access.Checker, synth *audit.Synthesizer, log zerolog.Logger) *Handler {
	return &Handler{client: client, scope: scope, checker: checker, synth: synth, log: log}
}

// Handle implements echo.HandlerFunc: read -> check -> (deny|grant ->
// mutate -> forward -> audit).
func (h *Handler) Handle(c echo.Context) error {
	ctx := c.Request().Context()

	rc, err := reader.Read(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}

	decision := h.checker.Check(rc)
	if !decision.Granted {
		h.log.Warn().Str("request_id", rc.RequestID).Str("resource_type", rc.ResourceType).Msg("access denied: " + decision.Reason)
		return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome("error", "forbidden", decision.Reason))
	}

	pathAndQuery := rc.Path
	if rc.RawQuery != "" {
		pathAndQuery += "?" + rc.RawQuery
	}

	// Sync-scope configuration is resolved for every granted request,
	// regardless of HTTP verb — a principal with no fhir_core_app_id claim or
	// no matching Composition must be refused before any write or
	// instance-level read is forwarded, not just before a sync-shaped GET.
	// Only sync-shaped GETs actually use the resolved Decision to rewrite the
	// outbound query.
	scopeDecision, err := h.scope.Resolve(ctx, rc.Principal.Subject, rc.Principal.FHIRCoreAppID)
	if err != nil {
		status := scopeErrorStatus(err)
		h.log.Error().Err(err).Str("request_id", rc.RequestID).Int("status", status).Msg("sync-scope resolution failed")
		return c.JSON(status, fhir.ErrorOutcome(err.Error()))
	}

	if isSyncShapedGET(rc) {
		pathAndQuery = rewriteTagQuery(pathAndQuery, scopeDecision)
		h.log.Debug().Str("strategy", string(scopeDecision.Strategy)).Str("tag_system", scopeDecision.TagSystem()).Msg("sync-scope rewrite applied")
	}

	startedAt := time.Now()
	status, respHeaders, respBody, err := h.client.Forward(ctx, rc.Method, pathAndQuery, c.Request().Header, rc.Body)
	if err != nil {
		h.log.Error().Err(err).Str("request_id", rc.RequestID).Msg("forwarding to upstream failed")
		return c.JSON(http.StatusBadGateway, fhir.ErrorOutcome("upstream FHIR server unreachable"))
	}

	if decision.PostProcess.Audit && status >= 200 && status < 300 {
		h.synth.Emit(ctx, audit.Request{
			RC:           rc,
			UserRef:      userReference(rc),
			ResponseBody: respBody,
			FullURL:      c.Request().URL.String(),
			StartedAt:    startedAt,
			ClientAddr:   c.RealIP(),
		})
	}

	for key, values := range respHeaders {
		for _, v := range values {
			c.Response().Header().Add(key, v)
		}
	}
	return c.Blob(status, respHeaders.Get("Content-Type"), respBody)
}

// scopeErrorStatus maps a syncscope.Resolve error to the status §7's error
// handling design assigns it: a configuration failure is fatal for the
// request (500); an upstream failure during resolution is a 5xx, distinct
// from the checker chain's 403.
func scopeErrorStatus(err error) int {
	switch {
	case errors.Is(err, syncscope.ErrConfigNotFound):
		return http.StatusInternalServerError
	case errors.Is(err, syncscope.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// isSyncShapedGET reports whether rc is a GET against exactly one resource
// type segment with no id and no bundle body — a list/search on a resource
// collection, the only shape the Sync-Scope Decision ever rewrites.
func isSyncShapedGET(rc *reader.RequestContext) bool {
	return rc.Method == http.MethodGet && rc.ResourceType != "" && rc.ResourceID == "" && !rc.IsBundle
}

// rewriteTagQuery appends decision's bare, comma-joined identifiers onto
// the request's _tag search parameter, preserving any pre-existing _tag
// values rather than replacing them.
func rewriteTagQuery(pathAndQuery string, decision *syncscope.Decision) string {
	path := pathAndQuery
	rawQuery := ""
	if i := strings.Index(pathAndQuery, "?"); i >= 0 {
		path = pathAndQuery[:i]
		rawQuery = pathAndQuery[i+1:]
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		values = url.Values{}
	}
	values.Add("_tag", decision.TagValue())

	return path + "?" + values.Encode()
}

// userReference builds the Reference the audit synthesizer records as the
// requesting user agent, from the decoded principal.
func userReference(rc *reader.RequestContext) fhir.Reference {
	ref := fhir.Reference{Display: rc.Principal.Name}
	if rc.Principal.Subject != "" {
		ref.Reference = "Practitioner/" + rc.Principal.Subject
	}
	return ref
}
