package access

import (
	"testing"

	"github.com/google/fhir-gateway/internal/gateway/reader"
	"github.com/google/fhir-gateway/internal/platform/auth"
)

func principalWithRoles(roles ...string) auth.Principal {
	return auth.Principal{Subject: "sub-1", Roles: roles}
}

func TestGetAdminRoleName(t *testing.T) {
	if got := getAdminRoleName("Patient"); got != "MANAGE_PATIENT" {
		t.Errorf("got %s", got)
	}
}

func TestGetRelevantRoleName(t *testing.T) {
	if got := getRelevantRoleName("Patient", "READ"); got != "READ_PATIENT" {
		t.Errorf("got %s", got)
	}
}

func TestPermissionChecker_GrantsWithSpecificRole(t *testing.T) {
	checker := NewPermissionChecker(false)
	rc := &reader.RequestContext{
		Principal:    principalWithRoles("READ_PATIENT"),
		ResourceType: "Patient",
		Operation:    reader.OperationRead,
	}
	decision := checker.Check(rc)
	if !decision.Granted {
		t.Fatalf("expected grant, got deny: %s", decision.Reason)
	}
	if !decision.PostProcess.Audit {
		t.Error("expected grant to request an audit post-process")
	}
}

func TestPermissionChecker_GrantsWithAdminRole(t *testing.T) {
	checker := NewPermissionChecker(false)
	rc := &reader.RequestContext{
		Principal:    principalWithRoles("MANAGE_PATIENT"),
		ResourceType: "Patient",
		Operation:    reader.OperationDelete,
	}
	decision := checker.Check(rc)
	if !decision.Granted {
		t.Fatalf("expected grant, got deny: %s", decision.Reason)
	}
}

func TestPermissionChecker_DeniesWithoutMatchingRole(t *testing.T) {
	checker := NewPermissionChecker(false)
	rc := &reader.RequestContext{
		Principal:    principalWithRoles("READ_OBSERVATION"),
		ResourceType: "Patient",
		Operation:    reader.OperationRead,
	}
	decision := checker.Check(rc)
	if decision.Granted {
		t.Fatal("expected deny")
	}
}

func TestPermissionChecker_Bundle_AllEntriesGranted(t *testing.T) {
	checker := NewPermissionChecker(false)
	rc := &reader.RequestContext{
		Principal: principalWithRoles("READ_PATIENT", "CREATE_OBSERVATION"),
		IsBundle:  true,
		BundleEntries: []reader.BundleEntryRequest{
			{ResourceType: "Patient", Operation: reader.OperationRead},
			{ResourceType: "Observation", Operation: reader.OperationCreate},
		},
	}
	decision := checker.Check(rc)
	if !decision.Granted {
		t.Fatalf("expected grant, got deny: %s", decision.Reason)
	}
}

func TestPermissionChecker_Bundle_DeniedOutsideDevMode(t *testing.T) {
	checker := NewPermissionChecker(false)
	rc := &reader.RequestContext{
		Principal: principalWithRoles("READ_PATIENT"),
		IsBundle:  true,
		BundleEntries: []reader.BundleEntryRequest{
			{ResourceType: "Patient", Operation: reader.OperationRead},
			{ResourceType: "Observation", Operation: reader.OperationCreate},
		},
	}
	decision := checker.Check(rc)
	if decision.Granted {
		t.Fatal("expected deny outside dev mode when one entry lacks a role")
	}
}

func TestPermissionChecker_Bundle_TolerantInDevMode(t *testing.T) {
	checker := NewPermissionChecker(true)
	rc := &reader.RequestContext{
		Principal: principalWithRoles("READ_PATIENT"),
		IsBundle:  true,
		BundleEntries: []reader.BundleEntryRequest{
			{ResourceType: "Patient", Operation: reader.OperationRead},
			{ResourceType: "Observation", Operation: reader.OperationCreate},
		},
	}
	decision := checker.Check(rc)
	if !decision.Granted {
		t.Fatalf("expected dev-mode tolerance to grant, got deny: %s", decision.Reason)
	}
}

func TestPermissionChecker_Bundle_DevModeStillDeniesAllMissing(t *testing.T) {
	checker := NewPermissionChecker(true)
	rc := &reader.RequestContext{
		Principal: principalWithRoles("SOME_OTHER_ROLE"),
		IsBundle:  true,
		BundleEntries: []reader.BundleEntryRequest{
			{ResourceType: "Patient", Operation: reader.OperationRead},
			{ResourceType: "Observation", Operation: reader.OperationCreate},
		},
	}
	decision := checker.Check(rc)
	if decision.Granted {
		t.Fatal("expected deny when every bundle entry lacks a role, even in dev mode")
	}
}

func TestNoOpChecker_AlwaysGrants(t *testing.T) {
	decision := NoOpChecker{}.Check(&reader.RequestContext{})
	if !decision.Granted {
		t.Fatal("expected NoOpChecker to always grant")
	}
}
