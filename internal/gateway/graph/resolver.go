package graph

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/fhir-gateway/internal/platform/cache"
	"github.com/google/fhir-gateway/internal/platform/fhir"
	"github.com/google/fhir-gateway/internal/platform/fhirclient"
)

const (
	practitionerGroupCode = "405623001"
	snomedSystem           = "http://snomed.info/sct"
)

// Resolver resolves a keycloak subject to its practitioner graph, with a
// per-subject TTL cache so repeated requests from the same user don't
// re-walk the graph every time.
type Resolver struct {
	client *fhirclient.Client
	cache  *cache.Store[PractitionerDetails]
}

// NewResolver builds a Resolver. ttl of zero disables expiry: a resolved
// graph is then cached for the life of the process.
func NewResolver(client *fhirclient.Client, ttl time.Duration) *Resolver {
	return &Resolver{
		client: client,
		cache:  cache.New[PractitionerDetails](ttl),
	}
}

// Resolve returns the PractitionerDetails graph for the given keycloak
// subject, trying the upstream's practitioner-details custom operation
// first and falling back to a from-scratch traversal when that operation
// isn't available or returns nothing.
func (r *Resolver) Resolve(ctx context.Context, keycloakUUID string) (*PractitionerDetails, error) {
	if cached, ok := r.cache.Get(keycloakUUID); ok {
		return &cached, nil
	}

	details, err := r.fastPath(ctx, keycloakUUID)
	if err != nil {
		return nil, err
	}
	if details == nil {
		practitioner, found, err := r.getPractitionerByIdentifier(ctx, keycloakUUID)
		if err != nil {
			return nil, err
		}
		if !found {
			return &PractitionerDetails{ID: NotFound}, nil
		}
		details, err = r.getPractitionerDetailsByPractitioner(ctx, practitioner)
		if err != nil {
			return nil, err
		}
	}

	r.cache.Set(keycloakUUID, *details)
	return details, nil
}

// fastPath calls the upstream's practitioner-details custom operation.
// Returning (nil, nil) means the operation is unavailable or found nothing,
// and the caller should fall back to the from-scratch traversal.
func (r *Resolver) fastPath(ctx context.Context, keycloakUUID string) (*PractitionerDetails, error) {
	path := "practitioner-details?keycloak-uuid=" + url.QueryEscape(keycloakUUID)
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		// A transport/5xx error from the custom operation is not fatal: the
		// operation may simply not be deployed on this FHIR server.
		return nil, nil
	}
	if !found || len(body) == 0 {
		return nil, nil
	}

	entries, err := decodeSearchBundle[rawPractitionerDetails](body)
	if err != nil || len(entries) == 0 {
		return nil, nil
	}
	details := entries[0].toPractitionerDetails()
	return &details, nil
}

// rawPractitionerDetails is the wire shape returned by the upstream's
// practitioner-details custom operation.
type rawPractitionerDetails struct {
	ID                       string                    `json:"id"`
	Practitioners            []fhir.Resource           `json:"practitioners,omitempty"`
	CareTeams                []CareTeam                `json:"careTeams,omitempty"`
	Organizations            []Organization            `json:"organizations,omitempty"`
	PractitionerRoles        []PractitionerRole        `json:"practitionerRoles,omitempty"`
	Groups                   []Group                   `json:"groups,omitempty"`
	OrganizationAffiliations []OrganizationAffiliation `json:"organizationAffiliations,omitempty"`
	LocationHierarchyList    []LocationHierarchy       `json:"locationHierarchyList,omitempty"`
	Locations                []Location                `json:"locations,omitempty"`
}

func (r rawPractitionerDetails) toPractitionerDetails() PractitionerDetails {
	return PractitionerDetails{
		ID:                       r.ID,
		Practitioners:            r.Practitioners,
		CareTeams:                r.CareTeams,
		Organizations:            r.Organizations,
		PractitionerRoles:        r.PractitionerRoles,
		Groups:                   r.Groups,
		OrganizationAffiliations: r.OrganizationAffiliations,
		LocationHierarchyList:    r.LocationHierarchyList,
		Locations:                r.Locations,
	}
}

func (r *Resolver) getPractitionerByIdentifier(ctx context.Context, identifier string) (fhir.Resource, bool, error) {
	path := "Practitioner?identifier=" + url.QueryEscape(identifier)
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		return fhir.Resource{}, false, fmt.Errorf("searching Practitioner by identifier: %w", err)
	}
	if !found {
		return fhir.Resource{}, false, nil
	}
	practitioners, err := decodeSearchBundle[fhir.Resource](body)
	if err != nil {
		return fhir.Resource{}, false, err
	}
	if len(practitioners) == 0 {
		return fhir.Resource{}, false, nil
	}
	return practitioners[0], true, nil
}

// getPractitionerDetailsByPractitioner replicates
// OpenSRPHelper.getPractitionerDetailsByPractitioner step by step.
func (r *Resolver) getPractitionerDetailsByPractitioner(ctx context.Context, practitioner fhir.Resource) (*PractitionerDetails, error) {
	practitionerID := practitioner.ID

	careTeams, err := r.getCareTeams(ctx, practitionerID)
	if err != nil {
		return nil, err
	}
	careTeamManagingOrgIDs := managingOrganizationIDs(careTeams)
	careTeamManagingOrgs, err := r.getOrganizationsByIDs(ctx, careTeamManagingOrgIDs)
	if err != nil {
		return nil, err
	}

	practitionerRoles, err := r.getPractitionerRoles(ctx, practitionerID)
	if err != nil {
		return nil, err
	}
	practitionerOrgIDs := organizationIDsFromRoles(practitionerRoles)
	practitionerOrgs, err := r.getOrganizationsByIDs(ctx, practitionerOrgIDs)
	if err != nil {
		return nil, err
	}

	bothOrganizations := dedupOrganizations(careTeamManagingOrgs, practitionerOrgs)

	groups, err := r.getGroupsAssignedToPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, err
	}

	allOrgIDs := distinctStrings(append(append([]string{}, careTeamManagingOrgIDs...), practitionerOrgIDs...))
	affiliations, err := r.getOrganizationAffiliationsByPrimaryOrg(ctx, allOrgIDs)
	if err != nil {
		return nil, err
	}

	// Only the first location of each affiliation is used — a narrowing
	// inherited from the original gateway, not a bug introduced here.
	locationIDs := firstLocationIDs(affiliations)

	locationHierarchies, err := r.getLocationHierarchiesByIDs(ctx, locationIDs)
	if err != nil {
		return nil, err
	}
	locations, err := r.getLocationsByIDs(ctx, locationIDs)
	if err != nil {
		return nil, err
	}

	return &PractitionerDetails{
		ID:                       practitionerID,
		Practitioners:            []fhir.Resource{practitioner},
		CareTeams:                careTeams,
		Organizations:            bothOrganizations,
		PractitionerRoles:        practitionerRoles,
		Groups:                   groups,
		OrganizationAffiliations: affiliations,
		LocationHierarchyList:    locationHierarchies,
		Locations:                locations,
	}, nil
}

func (r *Resolver) getCareTeams(ctx context.Context, practitionerID string) ([]CareTeam, error) {
	if practitionerID == "" {
		return nil, nil
	}
	path := "CareTeam?participant=Practitioner/" + url.PathEscape(practitionerID)
	return r.searchCareTeams(ctx, path)
}

func (r *Resolver) searchCareTeams(ctx context.Context, path string) ([]CareTeam, error) {
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("searching CareTeam: %w", err)
	}
	if !found {
		return nil, nil
	}
	return decodeSearchBundle[CareTeam](body)
}

func (r *Resolver) getOrganizationsByIDs(ctx context.Context, ids []string) ([]Organization, error) {
	ids = distinctStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	path := "Organization?_id=" + url.QueryEscape(strings.Join(ids, ","))
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("searching Organization: %w", err)
	}
	if !found {
		return nil, nil
	}
	return decodeSearchBundle[Organization](body)
}

func (r *Resolver) getPractitionerRoles(ctx context.Context, practitionerID string) ([]PractitionerRole, error) {
	if practitionerID == "" {
		return nil, nil
	}
	path := "PractitionerRole?practitioner=" + url.PathEscape(practitionerID)
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("searching PractitionerRole: %w", err)
	}
	if !found {
		return nil, nil
	}
	return decodeSearchBundle[PractitionerRole](body)
}

func (r *Resolver) getGroupsAssignedToPractitioner(ctx context.Context, practitionerID string) ([]Group, error) {
	if practitionerID == "" {
		return nil, nil
	}
	path := fmt.Sprintf("Group?member=Practitioner/%s&code=%s|%s",
		url.PathEscape(practitionerID), url.QueryEscape(snomedSystem), practitionerGroupCode)
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("searching Group: %w", err)
	}
	if !found {
		return nil, nil
	}
	return decodeSearchBundle[Group](body)
}

func (r *Resolver) getOrganizationAffiliationsByPrimaryOrg(ctx context.Context, orgIDs []string) ([]OrganizationAffiliation, error) {
	orgIDs = distinctStrings(orgIDs)
	if len(orgIDs) == 0 {
		return nil, nil
	}
	refs := make([]string, len(orgIDs))
	for i, id := range orgIDs {
		refs[i] = "Organization/" + id
	}
	path := "OrganizationAffiliation?primary-organization=" + url.QueryEscape(strings.Join(refs, ","))
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("searching OrganizationAffiliation: %w", err)
	}
	if !found {
		return nil, nil
	}
	return decodeSearchBundle[OrganizationAffiliation](body)
}

func (r *Resolver) getLocationHierarchiesByIDs(ctx context.Context, ids []string) ([]LocationHierarchy, error) {
	ids = distinctStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	path := "LocationHierarchy?_id=" + url.QueryEscape(strings.Join(ids, ","))
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("searching LocationHierarchy: %w", err)
	}
	if !found {
		return nil, nil
	}
	return decodeSearchBundle[LocationHierarchy](body)
}

func (r *Resolver) getLocationsByIDs(ctx context.Context, ids []string) ([]Location, error) {
	ids = distinctStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	path := "Location?_id=" + url.QueryEscape(strings.Join(ids, ","))
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("searching Location: %w", err)
	}
	if !found {
		return nil, nil
	}
	return decodeSearchBundle[Location](body)
}

// getReferenceIDPart returns the substring of a FHIR reference after its
// first "/", e.g. "Organization/123" -> "123" and "Organization/123/_history/2"
// -> "123/_history/2".
func getReferenceIDPart(reference string) string {
	if i := strings.Index(reference, "/"); i >= 0 {
		return reference[i+1:]
	}
	return reference
}

func managingOrganizationIDs(careTeams []CareTeam) []string {
	var ids []string
	for _, ct := range careTeams {
		for _, ref := range ct.ManagingOrganization {
			if ref.Reference != "" {
				ids = append(ids, getReferenceIDPart(ref.Reference))
			}
		}
	}
	return ids
}

func organizationIDsFromRoles(roles []PractitionerRole) []string {
	var ids []string
	for _, role := range roles {
		if role.HasOrganization() {
			ids = append(ids, getReferenceIDPart(role.Organization.Reference))
		}
	}
	return ids
}

// firstLocationIDs takes only the first location reference of each
// affiliation's location list, matching
// organizationAffiliation.getLocation().stream().findFirst() in the
// original gateway.
func firstLocationIDs(affiliations []OrganizationAffiliation) []string {
	var ids []string
	for _, aff := range affiliations {
		if len(aff.Location) == 0 {
			continue
		}
		ids = append(ids, getReferenceIDPart(aff.Location[0].Reference))
	}
	return distinctStrings(ids)
}

// getAttributedLocations flattens every LocationHierarchy's parent/child
// tree into the distinct child (descendant) location ids; the parent ids
// themselves are not included.
func getAttributedLocations(hierarchies []LocationHierarchy) []string {
	var ids []string
	for _, h := range hierarchies {
		for _, pc := range h.LocationHierarchyTree.LocationsHierarchy.ParentChildren {
			for _, child := range pc.ChildIdentifiers {
				ids = append(ids, getReferenceIDPart(child))
			}
		}
	}
	return distinctStrings(ids)
}

func distinctStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// dedupOrganizations merges two Organization lists, keeping the first
// occurrence of each id — the Go equivalent of distinctByKey(Organization::getId)
// in the original gateway.
func dedupOrganizations(lists ...[]Organization) []Organization {
	seen := make(map[string]struct{})
	var out []Organization
	for _, list := range lists {
		for _, org := range list {
			if _, ok := seen[org.ID]; ok {
				continue
			}
			seen[org.ID] = struct{}{}
			out = append(out, org)
		}
	}
	return out
}
