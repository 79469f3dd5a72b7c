// Package graph resolves the care-team/organization/location graph attached
// to a practitioner, the way OpenSRPHelper does in the original gateway: a
// fast path via the upstream's practitioner-details custom operation, and a
// from-scratch traversal (CareTeam -> Organization -> PractitionerRole ->
// OrganizationAffiliation -> Location -> LocationHierarchy -> Group) when
// that custom operation isn't available or doesn't return a match.
package graph

import (
	"encoding/json"

	"github.com/google/fhir-gateway/internal/platform/fhir"
)

// PractitionerDetails is the flattened graph the sync-scope decision and
// the fast-path cache key off, mirroring FhirPractitionerDetails in the
// original gateway.
type PractitionerDetails struct {
	ID                       string
	Practitioners            []fhir.Resource
	CareTeams                []CareTeam
	Organizations            []Organization
	PractitionerRoles        []PractitionerRole
	Groups                   []Group
	OrganizationAffiliations []OrganizationAffiliation
	LocationHierarchyList    []LocationHierarchy
	Locations                []Location
}

// NotFound is the sentinel id used when the keycloak subject has no matching
// Practitioner upstream, mirroring PRACTITIONER_NOT_FOUND in the original.
const NotFound = "PRACTITIONER_NOT_FOUND"

// CareTeam is the subset of FHIR CareTeam fields the resolver reads.
type CareTeam struct {
	ID                   string                `json:"id"`
	ManagingOrganization []fhir.Reference      `json:"managingOrganization,omitempty"`
	Participant          []CareTeamParticipant `json:"participant,omitempty"`
}

type CareTeamParticipant struct {
	Member fhir.Reference `json:"member"`
}

// Organization is the subset of FHIR Organization fields the resolver reads.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// PractitionerRole is the subset of FHIR PractitionerRole fields read here.
type PractitionerRole struct {
	ID           string          `json:"id"`
	Practitioner *fhir.Reference `json:"practitioner,omitempty"`
	Organization *fhir.Reference `json:"organization,omitempty"`
}

func (r PractitionerRole) HasOrganization() bool {
	return r.Organization != nil && r.Organization.Reference != ""
}

// OrganizationAffiliation is the subset of fields read here.
type OrganizationAffiliation struct {
	ID                  string           `json:"id"`
	Organization        *fhir.Reference  `json:"organization,omitempty"`
	PrimaryOrganization *fhir.Reference  `json:"primaryOrganization,omitempty"`
	Location            []fhir.Reference `json:"location,omitempty"`
}

// Location is the subset of FHIR Location fields read here.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// LocationHierarchy mirrors the custom LocationHierarchy resource the
// upstream FHIR server exposes: a tree of parent/child location identifiers
// rooted at the queried location.
type LocationHierarchy struct {
	ID                    string                `json:"id"`
	LocationID            string                `json:"locationId,omitempty"`
	LocationHierarchyTree LocationHierarchyTree `json:"locationHierarchyTree"`
}

type LocationHierarchyTree struct {
	LocationsHierarchy LocationsHierarchy `json:"locationsHierarchy"`
}

type LocationsHierarchy struct {
	ParentChildren []ParentChildrenMap `json:"parentChildren,omitempty"`
}

type ParentChildrenMap struct {
	ParentIdentifier string   `json:"parentIdentifier,omitempty"`
	ChildIdentifiers []string `json:"childIdentifiers,omitempty"`
}

// Group is the subset of FHIR Group fields read here.
type Group struct {
	ID     string                `json:"id"`
	Code   *fhir.CodeableConcept `json:"code,omitempty"`
	Member []GroupMember         `json:"member,omitempty"`
}

type GroupMember struct {
	Entity fhir.Reference `json:"entity"`
}

// searchBundle is the minimal shape needed to walk search-result Bundles
// returned by the upstream FHIR server for each resource type above.
type searchBundle struct {
	Entry []searchBundleEntry `json:"entry"`
}

type searchBundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

func decodeSearchBundle[T any](raw []byte) ([]T, error) {
	var b searchBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	out := make([]T, 0, len(b.Entry))
	for _, e := range b.Entry {
		var v T
		if err := json.Unmarshal(e.Resource, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
