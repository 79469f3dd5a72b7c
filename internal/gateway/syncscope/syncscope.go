// Package syncscope implements the Sync-Scope Decision: given a principal's
// fhir_core_app_id and subject, it finds the Composition identified by that
// app id, reads the Binary config resource its first section points at,
// decodes the syncStrategy array embedded in that Binary's base64 data, and
// resolves the strategy to the practitioner's CareTeam/Organization/Location
// ids — exactly the flow fetchSyncStrategyDetails/getSyncStrategyIds
// implement in the original gateway, including its zero-scope sentinel: a
// strategy with no matching ids still yields one placeholder entry so the
// eventual _tag filter can never match real data.
package syncscope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/fhir-gateway/internal/gateway/graph"
	"github.com/google/fhir-gateway/internal/platform/fhirclient"
)

// ErrConfigNotFound marks a resolution failure that is the deployment's
// fault, not the upstream server's: a missing claim, an unconfigured
// Composition, or a Binary that doesn't decode into a syncStrategy. The
// caller should treat this as fatal for the request (500), never forward.
var ErrConfigNotFound = errors.New("sync scope not configured")

// ErrUpstreamUnavailable marks a resolution failure caused by the upstream
// FHIR server itself failing or timing out mid-resolution. The caller
// should surface this as a 5xx, distinct from a configuration failure.
var ErrUpstreamUnavailable = errors.New("upstream unavailable while resolving sync scope")

// Strategy names the resource family a sync-scope tag is built from.
type Strategy string

const (
	StrategyCareTeam     Strategy = "CareTeam"
	StrategyOrganization Strategy = "Organization"
	StrategyLocation     Strategy = "Location"
)

// zeroScopeSentinelID is the hard-coded, unguessable identifier injected
// when a principal's resolved scope is empty: the upstream server is asked
// to filter on a tag value that can never match real data, so a
// zero-assignment principal sees nothing rather than everything.
const zeroScopeSentinelID = "00000000-0000-4000-8000-unreachable-sync-scope"

// Tag system URLs kept only for observability (logging) — the _tag rewrite
// itself never prefixes identifiers with a system, since the upstream
// server this gateway was built against does not honor system-qualified
// tag search values.
const (
	CareTeamTagSystem     = "https://smartregister.org/care-team-tag-id"
	OrganizationTagSystem = "https://smartregister.org/organisation-tag-id"
	LocationTagSystem     = "https://smartregister.org/location-tag-id"
)

// Decision is the resolved sync scope for one request: the strategy in
// effect and the ids a caller is confined to.
type Decision struct {
	Strategy Strategy
	IDs      []string
}

// TagSystem returns the system URL associated with this decision's
// strategy, for logging only — it is never written into the _tag search
// parameter itself.
func (d Decision) TagSystem() string {
	switch d.Strategy {
	case StrategyCareTeam:
		return CareTeamTagSystem
	case StrategyOrganization:
		return OrganizationTagSystem
	case StrategyLocation:
		return LocationTagSystem
	default:
		return ""
	}
}

// TagValue joins this decision's ids into the single flat, comma-separated,
// bare-identifier value the `_tag` search parameter is rewritten with.
func (d Decision) TagValue() string {
	return strings.Join(d.IDs, ",")
}

type compositionResource struct {
	ResourceType string               `json:"resourceType"`
	Section      []compositionSection `json:"section"`
}

type compositionSection struct {
	Focus *focusReference `json:"focus,omitempty"`
}

type focusReference struct {
	Reference string `json:"reference,omitempty"`
}

type binaryResource struct {
	ResourceType string `json:"resourceType"`
	ContentType  string `json:"contentType"`
	Data         string `json:"data"`
}

type applicationConfig struct {
	SyncStrategy []string `json:"syncStrategy"`
}

// Resolver computes a Decision for a principal, caching nothing itself —
// callers typically key their own cache off the principal's subject.
type Resolver struct {
	client   *fhirclient.Client
	graph    *graph.Resolver
}

// NewResolver builds a Resolver.
func NewResolver(client *fhirclient.Client, graphResolver *graph.Resolver) *Resolver {
	return &Resolver{client: client, graph: graphResolver}
}

// Resolve computes the sync-scope Decision for the given subject and
// fhir_core_app_id, per the Composition->Binary->syncStrategy flow.
func (r *Resolver) Resolve(ctx context.Context, subject, applicationID string) (*Decision, error) {
	if applicationID == "" {
		return nil, fmt.Errorf("%w: fhir_core_app_id claim is empty", ErrConfigNotFound)
	}

	composition, err := r.fetchComposition(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	binaryID := binaryReferenceID(composition)
	if binaryID == "" {
		return nil, fmt.Errorf("%w: Composition %s has no config section", ErrConfigNotFound, applicationID)
	}

	strategy, err := r.fetchSyncStrategy(ctx, binaryID)
	if err != nil {
		return nil, err
	}
	if strategy == "" {
		return nil, fmt.Errorf("%w: please confirm the fhir_core_app_id claim matches the Composition's official identifier value", ErrConfigNotFound)
	}

	details, err := r.graph.Resolve(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving practitioner graph: %v", ErrUpstreamUnavailable, err)
	}

	return r.syncStrategyIDs(ctx, Strategy(strategy), details)
}

func (r *Resolver) fetchComposition(ctx context.Context, applicationID string) (*compositionResource, error) {
	path := "Composition?identifier=" + url.QueryEscape(applicationID)
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching Composition: %v", ErrUpstreamUnavailable, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: no Composition found for identifier %s", ErrConfigNotFound, applicationID)
	}

	var bundle struct {
		Entry []struct {
			Resource compositionResource `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("%w: decoding Composition bundle: %v", ErrConfigNotFound, err)
	}
	if len(bundle.Entry) == 0 {
		return nil, fmt.Errorf("%w: no Composition found for identifier %s", ErrConfigNotFound, applicationID)
	}
	return &bundle.Entry[0].Resource, nil
}

// binaryReferenceID reads Composition.section[0].focus.reference, matching
// getBinaryResourceReference in the original gateway.
func binaryReferenceID(composition *compositionResource) string {
	if composition == nil || len(composition.Section) == 0 {
		return ""
	}
	focus := composition.Section[0].Focus
	if focus == nil {
		return ""
	}
	ref := focus.Reference
	if i := strings.Index(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func (r *Resolver) fetchSyncStrategy(ctx context.Context, binaryID string) (string, error) {
	body, found, err := r.client.Get(ctx, "Binary/"+url.PathEscape(binaryID))
	if err != nil {
		return "", fmt.Errorf("%w: fetching Binary config resource: %v", ErrUpstreamUnavailable, err)
	}
	if !found {
		return "", fmt.Errorf("%w: config Binary/%s not found", ErrConfigNotFound, binaryID)
	}

	var binary binaryResource
	if err := json.Unmarshal(body, &binary); err != nil {
		return "", fmt.Errorf("%w: decoding Binary resource: %v", ErrConfigNotFound, err)
	}
	if binary.Data == "" {
		return "", nil
	}

	decoded, err := base64.StdEncoding.DecodeString(binary.Data)
	if err != nil {
		return "", fmt.Errorf("%w: decoding Binary.data: %v", ErrConfigNotFound, err)
	}

	var config applicationConfig
	if err := json.Unmarshal(decoded, &config); err != nil {
		return "", fmt.Errorf("%w: decoding application config JSON: %v", ErrConfigNotFound, err)
	}
	if len(config.SyncStrategy) == 0 {
		return "", nil
	}
	return strings.TrimSpace(config.SyncStrategy[0]), nil
}

// syncStrategyIDs dispatches on the strategy name the way getSyncStrategyIds
// does, always returning at least one id entry so the _tag rewrite can never
// be satisfied by coincidence when a practitioner has no real scope.
func (r *Resolver) syncStrategyIDs(ctx context.Context, strategy Strategy, details *graph.PractitionerDetails) (*Decision, error) {
	switch {
	case strings.EqualFold(string(strategy), string(StrategyCareTeam)):
		ids := careTeamIDs(details.CareTeams)
		return &Decision{Strategy: StrategyCareTeam, IDs: zeroScopeSentinel(ids)}, nil
	case strings.EqualFold(string(strategy), string(StrategyOrganization)):
		ids := organizationIDs(details.Organizations)
		return &Decision{Strategy: StrategyOrganization, IDs: zeroScopeSentinel(ids)}, nil
	case strings.EqualFold(string(strategy), string(StrategyLocation)):
		ids := attributedLocationIDs(details.LocationHierarchyList)
		return &Decision{Strategy: StrategyLocation, IDs: zeroScopeSentinel(ids)}, nil
	default:
		return nil, fmt.Errorf("%w: sync strategy %q not recognized", ErrConfigNotFound, strategy)
	}
}

// zeroScopeSentinel mirrors getSyncStrategyIds's "always at least one
// element" behavior: an empty id list becomes the hard-coded sentinel,
// so a practitioner with no CareTeam/Organization/Location assignment still
// gets a tag filter that matches nothing rather than one that (if empty)
// would match everything.
func zeroScopeSentinel(ids []string) []string {
	if len(ids) > 0 {
		return ids
	}
	return []string{zeroScopeSentinelID}
}

func careTeamIDs(careTeams []graph.CareTeam) []string {
	ids := make([]string, 0, len(careTeams))
	for _, ct := range careTeams {
		if ct.ID != "" {
			ids = append(ids, ct.ID)
		}
	}
	return ids
}

func organizationIDs(orgs []graph.Organization) []string {
	ids := make([]string, 0, len(orgs))
	for _, o := range orgs {
		if o.ID != "" {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

func attributedLocationIDs(hierarchies []graph.LocationHierarchy) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, h := range hierarchies {
		for _, pc := range h.LocationHierarchyTree.LocationsHierarchy.ParentChildren {
			for _, child := range pc.ChildIdentifiers {
				id := referenceIDPart(child)
				if id == "" {
					continue
				}
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// referenceIDPart returns the substring of a FHIR reference after its first
// "/", matching getReferenceIDPart in the graph resolver.
func referenceIDPart(reference string) string {
	if i := strings.Index(reference, "/"); i >= 0 {
		return reference[i+1:]
	}
	return reference
}
