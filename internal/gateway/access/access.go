// Package access implements the Access Checker Chain: the role-based
// decision of whether a principal may perform a given operation against a
// given resource type, grounded directly on PermissionAccessChecker's
// MANAGE_<RESOURCE>/<VERB>_<RESOURCE> role vocabulary and its bundle
// dev-mode leniency.
package access

import (
	"log"
	"strings"

	"github.com/google/fhir-gateway/internal/gateway/reader"
	"github.com/google/fhir-gateway/internal/platform/auth"
)

// Mutation describes a rewrite a checker wants applied to the outbound
// request before it is forwarded. No checker in this package sets it and the
// proxy does not read it: the sync-scope _tag rewrite is applied by the proxy
// from syncscope.Resolve's Decision, not through Mutation.
type Mutation struct {
	// AddTagFilter holds a _tag search parameter value for the forwarded
	// request; it is not applied to the forwarded request.
	AddTagFilter string
}

// PostProcess marks whether the audit synthesizer should run after this
// request completes.
type PostProcess struct {
	Audit bool
}

// Decision is the three-facet result of the access checker chain: whether
// the request is granted, what the request should be rewritten to before
// forwarding, and what should happen after the upstream responds.
type Decision struct {
	Granted     bool
	Reason      string
	Mutation    Mutation
	PostProcess PostProcess
}

// Granted builds an allow Decision that also requests a post-response
// audit, matching every real access grant in the original gateway.
func Granted() Decision {
	return Decision{Granted: true, PostProcess: PostProcess{Audit: true}}
}

// Denied builds a deny Decision carrying reason for the resulting
// OperationOutcome.
func Denied(reason string) Decision {
	return Decision{Granted: false, Reason: reason}
}

// Checker evaluates one RequestContext (or one bundle entry) and returns an
// access Decision.
type Checker interface {
	Check(rc *reader.RequestContext) Decision
}

// NoOpChecker grants every request without inspecting it, mirroring
// NoOpAccessDecision in the original gateway — used when no authorization
// policy is configured, e.g. for local development against a trusted
// upstream.
type NoOpChecker struct{}

func (NoOpChecker) Check(rc *reader.RequestContext) Decision {
	return Granted()
}

// PermissionChecker is the gateway's default checker: every request needs
// either the resource's admin role (MANAGE_<RESOURCE>) or the role specific
// to its operation (<VERB>_<RESOURCE>). A batch/transaction Bundle is
// granted only if every entry would individually pass this check — unless
// DevMode is set, in which case a missing role on an entry is logged rather
// than denying the whole bundle, provided at least one entry would have
// passed.
type PermissionChecker struct {
	DevMode bool
}

func NewPermissionChecker(devMode bool) *PermissionChecker {
	return &PermissionChecker{DevMode: devMode}
}

func (p *PermissionChecker) Check(rc *reader.RequestContext) Decision {
	if rc.IsBundle {
		return p.checkBundle(rc)
	}
	if !p.hasRequiredRole(rc.Principal, rc.ResourceType, string(rc.Operation)) {
		return Denied("principal lacks " + getAdminRoleName(rc.ResourceType) + " or " + getRelevantRoleName(rc.ResourceType, string(rc.Operation)))
	}
	return Granted()
}

// checkBundle replicates processBundle: an entry whose role check fails is
// an immediate denial outside dev mode; in dev mode it is logged and
// tolerated, and the whole bundle is granted as long as at least one entry
// didn't need tolerating.
func (p *PermissionChecker) checkBundle(rc *reader.RequestContext) Decision {
	hasMissingRole := false
	for _, entry := range rc.BundleEntries {
		if entry.ResourceType == "" {
			continue
		}
		if p.hasRequiredRole(rc.Principal, entry.ResourceType, string(entry.Operation)) {
			continue
		}
		if !p.DevMode {
			return Denied("bundle entry for " + entry.ResourceType + " lacks required role")
		}
		log.Printf("dev mode: bundle entry %s %s lacks %s or %s; not denied", entry.Method, entry.ResourceType, getAdminRoleName(entry.ResourceType), getRelevantRoleName(entry.ResourceType, string(entry.Operation)))
		hasMissingRole = true
	}
	if p.DevMode && hasMissingRole {
		// Every entry that lacked a role was tolerated, but the original
		// gateway still requires at least one entry to have had a role to
		// avoid granting an all-missing bundle outright.
		anyEntryHadRole := false
		for _, entry := range rc.BundleEntries {
			if entry.ResourceType != "" && p.hasRequiredRole(rc.Principal, entry.ResourceType, string(entry.Operation)) {
				anyEntryHadRole = true
				break
			}
		}
		if !anyEntryHadRole {
			return Denied("dev mode: no bundle entry had a required role")
		}
	}
	return Granted()
}

func (p *PermissionChecker) hasRequiredRole(principal auth.Principal, resourceType, operation string) bool {
	return principal.HasRole(getAdminRoleName(resourceType)) ||
		principal.HasRole(getRelevantRoleName(resourceType, operation))
}

// getAdminRoleName builds the admin-override role name for a resource type,
// e.g. "MANAGE_PATIENT".
func getAdminRoleName(resourceType string) string {
	return "MANAGE_" + strings.ToUpper(resourceType)
}

// getRelevantRoleName builds the operation-specific role name for a
// resource type, e.g. "READ_PATIENT".
func getRelevantRoleName(resourceType, operation string) string {
	return operation + "_" + strings.ToUpper(resourceType)
}
