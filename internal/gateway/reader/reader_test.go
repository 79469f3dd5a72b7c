package reader

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(method, path string, body string) echo.Context {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/fhir+json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec)
}

func TestRead_SimpleResourceRead(t *testing.T) {
	c := newContext(http.MethodGet, "/Patient/123", "")
	rc, err := Read(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.ResourceType != "Patient" || rc.ResourceID != "123" {
		t.Errorf("expected Patient/123, got %s/%s", rc.ResourceType, rc.ResourceID)
	}
	if rc.Operation != OperationRead {
		t.Errorf("expected READ, got %s", rc.Operation)
	}
}

func TestRead_SearchType(t *testing.T) {
	c := newContext(http.MethodGet, "/Patient?name=smith", "")
	rc, err := Read(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.Operation != OperationSearchType {
		t.Errorf("expected SEARCH_TYPE, got %s", rc.Operation)
	}
	if rc.ResourceID != "" {
		t.Errorf("expected empty resource id, got %s", rc.ResourceID)
	}
}

func TestRead_SearchSystem(t *testing.T) {
	c := newContext(http.MethodGet, "/", "")
	rc, err := Read(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.Operation != OperationSearchSys {
		t.Errorf("expected SEARCH_SYSTEM, got %s", rc.Operation)
	}
}

func TestRead_CreateAndUpdateAndDelete(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   RestOperationType
	}{
		{http.MethodPost, "/Patient", OperationCreate},
		{http.MethodPut, "/Patient/1", OperationUpdate},
		{http.MethodDelete, "/Patient/1", OperationDelete},
	}
	for _, tt := range tests {
		body := ""
		if tt.method == http.MethodPost || tt.method == http.MethodPut {
			body = `{"resourceType":"Patient"}`
		}
		c := newContext(tt.method, tt.path, body)
		rc, err := Read(c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rc.Operation != tt.want {
			t.Errorf("%s %s: expected %s, got %s", tt.method, tt.path, tt.want, rc.Operation)
		}
	}
}

func TestRead_FhirMountPrefix(t *testing.T) {
	c := newContext(http.MethodGet, "/fhir/Patient/42", "")
	rc, err := Read(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.ResourceType != "Patient" || rc.ResourceID != "42" {
		t.Errorf("expected Patient/42, got %s/%s", rc.ResourceType, rc.ResourceID)
	}
}

func TestRead_BatchBundle(t *testing.T) {
	body := `{
		"resourceType": "Bundle",
		"type": "batch",
		"entry": [
			{"request": {"method": "GET", "url": "Composition?identifier=app1"}},
			{"request": {"method": "POST", "url": "Patient"}, "resource": {"resourceType": "Patient"}}
		]
	}`
	c := newContext(http.MethodPost, "/", body)
	rc, err := Read(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rc.IsBundle {
		t.Fatal("expected IsBundle=true")
	}
	if rc.BundleType != "batch" {
		t.Errorf("expected batch, got %s", rc.BundleType)
	}
	if len(rc.BundleEntries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(rc.BundleEntries))
	}
	if rc.BundleEntries[0].ResourceType != "Composition" {
		t.Errorf("expected Composition, got %s", rc.BundleEntries[0].ResourceType)
	}
	if rc.BundleEntries[1].Operation != OperationCreate {
		t.Errorf("expected CREATE for second entry, got %s", rc.BundleEntries[1].Operation)
	}
}

func TestRead_NonBundlePostIsNotTreatedAsBundle(t *testing.T) {
	c := newContext(http.MethodPost, "/Patient", `{"resourceType":"Patient"}`)
	rc, err := Read(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.IsBundle {
		t.Error("expected IsBundle=false for a plain resource POST")
	}
}

func TestRead_GetPageOperation(t *testing.T) {
	c := newContext(http.MethodGet, "/?_getpages=abc123", "")
	rc, err := Read(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.Operation != OperationGetPage {
		t.Errorf("expected GET_PAGE, got %s", rc.Operation)
	}
}

func TestRead_BodyIsRestoredForForwarding(t *testing.T) {
	body := `{"resourceType":"Patient"}`
	c := newContext(http.MethodPost, "/Patient", body)
	_, err := Read(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	replay, err := readBody(c)
	if err != nil {
		t.Fatalf("unexpected error reading body a second time: %v", err)
	}
	if string(replay) != body {
		t.Errorf("expected body to be replayable, got %q", string(replay))
	}
}
