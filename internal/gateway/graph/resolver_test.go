package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/fhir-gateway/internal/platform/fhirclient"
)

func newTestResolver(t *testing.T, handler http.HandlerFunc) (*Resolver, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client, err := fhirclient.New(fhirclient.Config{
		BaseURL:                  srv.URL,
		SocketTimeout:            2 * time.Second,
		ConnectionRequestTimeout: 2 * time.Second,
		ConnectTimeout:           2 * time.Second,
		MaxConnectionTotal:       10,
		MaxConnectionPerRoute:    10,
	})
	if err != nil {
		t.Fatalf("fhirclient.New: %v", err)
	}
	return NewResolver(client, time.Minute), srv
}

func bundleOf(resources ...string) string {
	var sb strings.Builder
	sb.WriteString(`{"resourceType":"Bundle","type":"searchset","entry":[`)
	for i, r := range resources {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"resource":`)
		sb.WriteString(r)
		sb.WriteString(`}`)
	}
	sb.WriteString(`]}`)
	return sb.String()
}

func TestResolve_FastPathHit(t *testing.T) {
	resolver, srv := newTestResolver(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/practitioner-details") {
			w.Write([]byte(bundleOf(`{"id":"prac-1","careTeams":[{"id":"ct-1"}]}`)))
			return
		}
		t.Fatalf("unexpected fallback request to %s", r.URL.Path)
	})
	defer srv.Close()

	details, err := resolver.Resolve(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if details.ID != "prac-1" {
		t.Errorf("expected prac-1, got %s", details.ID)
	}
	if len(details.CareTeams) != 1 || details.CareTeams[0].ID != "ct-1" {
		t.Errorf("expected 1 care team ct-1, got %+v", details.CareTeams)
	}
}

func TestResolve_FastPathMissFallsBackToTraversal(t *testing.T) {
	resolver, srv := newTestResolver(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/practitioner-details"):
			w.WriteHeader(http.StatusNotFound)
		case strings.HasPrefix(r.URL.Path, "/Practitioner") && r.URL.RawQuery != "":
			w.Write([]byte(bundleOf(`{"resourceType":"Practitioner","id":"prac-7"}`)))
		case strings.HasPrefix(r.URL.Path, "/CareTeam"):
			w.Write([]byte(bundleOf()))
		case strings.HasPrefix(r.URL.Path, "/PractitionerRole"):
			w.Write([]byte(bundleOf()))
		case strings.HasPrefix(r.URL.Path, "/Group"):
			w.Write([]byte(bundleOf()))
		case strings.HasPrefix(r.URL.Path, "/Organization"):
			w.Write([]byte(bundleOf()))
		case strings.HasPrefix(r.URL.Path, "/OrganizationAffiliation"):
			w.Write([]byte(bundleOf()))
		case strings.HasPrefix(r.URL.Path, "/LocationHierarchy"):
			w.Write([]byte(bundleOf()))
		case strings.HasPrefix(r.URL.Path, "/Location"):
			w.Write([]byte(bundleOf()))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer srv.Close()

	details, err := resolver.Resolve(context.Background(), "sub-missing-fastpath")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if details.ID != "prac-7" {
		t.Errorf("expected prac-7, got %s", details.ID)
	}
}

func TestResolve_PractitionerNotFound(t *testing.T) {
	resolver, srv := newTestResolver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	details, err := resolver.Resolve(context.Background(), "sub-unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if details.ID != NotFound {
		t.Errorf("expected sentinel NotFound id, got %s", details.ID)
	}
}

func TestResolve_CachesResult(t *testing.T) {
	var calls int
	resolver, srv := newTestResolver(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(bundleOf(`{"id":"prac-cached"}`)))
	})
	defer srv.Close()

	_, err := resolver.Resolve(context.Background(), "sub-cache")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstCalls := calls

	_, err = resolver.Resolve(context.Background(), "sub-cache")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != firstCalls {
		t.Errorf("expected cached resolve to avoid a second upstream call, calls went from %d to %d", firstCalls, calls)
	}
}

func TestGetReferenceIDPart(t *testing.T) {
	tests := map[string]string{
		"Organization/123":           "123",
		"Location/abc-def":           "abc-def",
		"no-slash":                   "no-slash",
		"Organization/123/_history/2": "123/_history/2",
	}
	for in, want := range tests {
		if got := getReferenceIDPart(in); got != want {
			t.Errorf("getReferenceIDPart(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDedupOrganizations(t *testing.T) {
	a := []Organization{{ID: "1"}, {ID: "2"}}
	b := []Organization{{ID: "2"}, {ID: "3"}}
	merged := dedupOrganizations(a, b)
	if len(merged) != 3 {
		t.Fatalf("expected 3 distinct organizations, got %d", len(merged))
	}
}

func TestFirstLocationIDs_TakesOnlyFirst(t *testing.T) {
	raw := `[
		{"id":"aff-1","location":[{"reference":"Location/loc-1"},{"reference":"Location/loc-2"}]},
		{"id":"aff-2","location":[{"reference":"Location/loc-3"}]}
	]`
	var affiliations []OrganizationAffiliation
	if err := json.Unmarshal([]byte(raw), &affiliations); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ids := firstLocationIDs(affiliations)
	want := map[string]bool{"loc-1": true, "loc-3": true}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids (first location only per affiliation), got %v", ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected id %s in %v", id, ids)
		}
	}
	for _, id := range ids {
		if id == "loc-2" {
			t.Error("expected second location of aff-1 to be excluded")
		}
	}
}

func TestUnmarshalPractitionerRole_HasOrganization(t *testing.T) {
	raw := `{"id":"pr-1","organization":{"reference":"Organization/org-1"}}`
	var role PractitionerRole
	if err := json.Unmarshal([]byte(raw), &role); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !role.HasOrganization() {
		t.Error("expected HasOrganization true")
	}
}
