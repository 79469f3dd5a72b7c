package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/fhir-gateway/internal/platform/fhir"
)

// AttributedPractitioners expands a practitioner's own graph outward to the
// wider set of practitioners that share its attributed locations — the
// supervisor relationship OpenSRPHelper computes via
// getAttributedPractitionerDetailsByPractitioner: the practitioner's
// CareTeams -> their managing organizations -> affiliations -> (first)
// locations -> location hierarchy -> attributed locations -> organizations
// at those locations -> CareTeams of those organizations (excluding ones
// already known) -> practitioners named as participants of those CareTeams.
func (r *Resolver) AttributedPractitioners(ctx context.Context, own *PractitionerDetails) ([]PractitionerDetails, error) {
	managingOrgIDs := managingOrganizationIDs(own.CareTeams)
	if len(managingOrgIDs) == 0 {
		return nil, nil
	}

	affiliations, err := r.getOrganizationAffiliationsByPrimaryOrg(ctx, managingOrgIDs)
	if err != nil {
		return nil, err
	}
	locationIDs := firstLocationIDs(affiliations)
	if len(locationIDs) == 0 {
		return nil, nil
	}

	hierarchies, err := r.getLocationHierarchiesByIDs(ctx, locationIDs)
	if err != nil {
		return nil, err
	}
	attributedLocationIDs := getAttributedLocations(hierarchies)
	if len(attributedLocationIDs) == 0 {
		return nil, nil
	}

	attributedOrgIDs, err := r.getOrganizationIDsByLocations(ctx, attributedLocationIDs)
	if err != nil {
		return nil, err
	}
	if len(attributedOrgIDs) == 0 {
		return nil, nil
	}

	knownCareTeamIDs := make(map[string]struct{}, len(own.CareTeams))
	for _, ct := range own.CareTeams {
		knownCareTeamIDs[ct.ID] = struct{}{}
	}

	attributedCareTeams, err := r.getCareTeamsByManagingOrganizations(ctx, attributedOrgIDs)
	if err != nil {
		return nil, err
	}

	var extraCareTeams []CareTeam
	practitionerIDs := make(map[string]struct{})
	for _, ct := range attributedCareTeams {
		if _, known := knownCareTeamIDs[ct.ID]; known {
			continue
		}
		extraCareTeams = append(extraCareTeams, ct)
		for _, p := range ct.Participant {
			if strings.HasPrefix(p.Member.Reference, "Practitioner/") {
				practitionerIDs[getReferenceIDPart(p.Member.Reference)] = struct{}{}
			}
		}
	}

	results := make([]PractitionerDetails, 0, len(practitionerIDs))
	for practitionerID := range practitionerIDs {
		practitioner, found, err := r.getPractitionerByID(ctx, practitionerID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		details, err := r.getPractitionerDetailsByPractitioner(ctx, practitioner)
		if err != nil {
			return nil, err
		}
		results = append(results, *details)
	}
	return results, nil
}

func (r *Resolver) getPractitionerByID(ctx context.Context, id string) (fhir.Resource, bool, error) {
	body, found, err := r.client.Get(ctx, "Practitioner/"+url.PathEscape(id))
	if err != nil {
		return fhir.Resource{}, false, fmt.Errorf("fetching Practitioner/%s: %w", id, err)
	}
	if !found {
		return fhir.Resource{}, false, nil
	}
	var res fhir.Resource
	if err := json.Unmarshal(body, &res); err != nil {
		return fhir.Resource{}, false, err
	}
	return res, true, nil
}

func (r *Resolver) getOrganizationIDsByLocations(ctx context.Context, locationIDs []string) ([]string, error) {
	locationIDs = distinctStrings(locationIDs)
	if len(locationIDs) == 0 {
		return nil, nil
	}
	refs := make([]string, len(locationIDs))
	for i, id := range locationIDs {
		refs[i] = "Location/" + id
	}
	path := "Organization?_has:Location:organization:_id=" + url.QueryEscape(strings.Join(refs, ","))
	body, found, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("searching Organization by location: %w", err)
	}
	if !found {
		return nil, nil
	}
	orgs, err := decodeSearchBundle[Organization](body)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(orgs))
	for i, o := range orgs {
		ids[i] = o.ID
	}
	return distinctStrings(ids), nil
}

// getCareTeamsByManagingOrganizations finds CareTeams with any of orgIDs as a
// participant — FHIR R4's CareTeam resource has no "organization" search
// parameter, so membership is expressed the way
// OpenSRPHelper.getCareTeamsByOrganizationIds does: participant=Organization/<id>.
func (r *Resolver) getCareTeamsByManagingOrganizations(ctx context.Context, orgIDs []string) ([]CareTeam, error) {
	orgIDs = distinctStrings(orgIDs)
	if len(orgIDs) == 0 {
		return nil, nil
	}
	refs := make([]string, len(orgIDs))
	for i, id := range orgIDs {
		refs[i] = "Organization/" + id
	}
	path := "CareTeam?participant=" + url.QueryEscape(strings.Join(refs, ","))
	return r.searchCareTeams(ctx, path)
}
