// Package audit implements the BALP Audit Synthesizer: the pipeline's last
// stage, invoked only after a request has been granted and successfully
// forwarded. It classifies the request's RestOperationType into a BALP
// profile, resolves the Patient-compartment owners a query or resource
// touches, and emits one AuditEvent per owner (or a single basic-profile
// event when none apply) to the upstream audit sink.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/google/fhir-gateway/internal/gateway/reader"
	"github.com/google/fhir-gateway/internal/platform/fhir"
	"github.com/google/fhir-gateway/internal/platform/fhirclient"
)

// BALP profile canonical URLs, one pair (basic/patient) per operation
// family. These are the StructureDefinition canonicals the synthesized
// AuditEvent.meta.profile carries.
const (
	profileBasicQuery    = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.BasicAudit.Query"
	profilePatientQuery  = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.PatientQuery"
	profileBasicRead     = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.BasicAudit.Read"
	profilePatientRead   = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.PatientRead"
	profileBasicCreate   = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.BasicAudit.Create"
	profilePatientCreate = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.PatientCreate"
	profileBasicUpdate   = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.BasicAudit.Update"
	profilePatientUpdate = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.PatientUpdate"
	profileBasicDelete   = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.BasicAudit.Delete"
	profilePatientDelete = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.PatientDelete"
)

const (
	restfulInteractionSystem = "http://hl7.org/fhir/restful-interaction"
	auditEventTypeSystem     = "http://terminology.hl7.org/CodeSystem/audit-event-type"
	entityTypeSystem         = "http://terminology.hl7.org/CodeSystem/audit-entity-type"
	objectRoleSystem         = "http://terminology.hl7.org/CodeSystem/object-role"
)

// Request carries everything Synthesize needs beyond the RequestContext
// itself: the post-forward response and the already-resolved user
// Reference (built upstream from the Practitioner Graph Resolver's result).
type Request struct {
	RC           *reader.RequestContext
	UserRef      fhir.Reference
	ResponseBody []byte
	FullURL      string
	StartedAt    time.Time
	ClientAddr   string
}

// Synthesizer builds and emits BALP AuditEvents for completed requests.
type Synthesizer struct {
	client                 *fhirclient.Client
	fhirBase               string
	extraCompartmentParams map[string][]string
	log                    zerolog.Logger
}

// NewSynthesizer builds a Synthesizer. extraCompartmentParams lets an
// operator widen the Patient compartment beyond fhir.PatientCompartment's
// built-in table, matching the "plus an operator-supplied extra set"
// clause of the compartment-extraction rule.
func NewSynthesizer(client *fhirclient.Client, fhirBase string, extraCompartmentParams map[string][]string, log zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		client:                 client,
		fhirBase:               fhirBase,
		extraCompartmentParams: extraCompartmentParams,
		log:                    log,
	}
}

// Emit builds the AuditEvents for req and POSTs each to the upstream FHIR
// server. A POST failure is logged and otherwise swallowed — audit
// synthesis never alters the client's response, per the emission rule.
func (s *Synthesizer) Emit(ctx context.Context, req Request) {
	events, err := s.BuildEvents(req)
	if err != nil {
		s.log.Error().Err(err).Msg("audit synthesis failed")
		return
	}
	for _, event := range events {
		if err := s.client.PostResource(ctx, "AuditEvent", event); err != nil {
			s.log.Error().Err(err).Str("profile", firstProfile(event)).Msg("failed to post audit event")
		}
	}
}

// BuildEvents classifies req.RC.Operation and synthesizes the AuditEvents
// it implies. Returns no events (and no error) for operations the audit
// rule is silent on.
func (s *Synthesizer) BuildEvents(req Request) ([]fhir.AuditEvent, error) {
	rc := req.RC
	switch rc.Operation {
	case reader.OperationSearchType, reader.OperationSearchSys, reader.OperationGetPage:
		return s.buildQueryEvents(req), nil
	case reader.OperationRead, reader.OperationVRead:
		return s.buildReadEvents(req)
	case reader.OperationCreate:
		return s.buildResourceEvents(req, profileBasicCreate, profilePatientCreate, "C")
	case reader.OperationUpdate:
		return s.buildResourceEvents(req, profileBasicUpdate, profilePatientUpdate, "U")
	case reader.OperationDelete:
		return s.buildDeleteEvents(req), nil
	default:
		return nil, nil
	}
}

func (s *Synthesizer) buildQueryEvents(req Request) []fhir.AuditEvent {
	owners := compartmentOwnersFromQuery(req.RC.ResourceType, req.RC.RawQuery, s.extraCompartmentParams)
	queryEntity := s.queryEntity(req)
	requestEntity := s.requestIDEntity(req.RC.RequestID)

	if len(owners) == 0 {
		event := s.newEvent(profileBasicQuery, "rest", "search-type", "E", req)
		event.Entity = []fhir.AuditEventEntity{queryEntity, requestEntity}
		return []fhir.AuditEvent{event}
	}

	events := make([]fhir.AuditEvent, 0, len(owners))
	for _, owner := range owners {
		event := s.newEvent(profilePatientQuery, "rest", "search-type", "E", req)
		event.Entity = []fhir.AuditEventEntity{queryEntity, requestEntity, patientEntity(owner)}
		events = append(events, event)
	}
	return events
}

func (s *Synthesizer) buildReadEvents(req Request) ([]fhir.AuditEvent, error) {
	owners, err := compartmentOwnersFromResource(req.RC.ResourceType, req.ResponseBody, s.extraCompartmentParams)
	if err != nil {
		return nil, err
	}
	requestEntity := s.requestIDEntity(req.RC.RequestID)
	resourceEntity := resourceEntityRef(req.RC.ResourceType, req.RC.ResourceID)

	interaction := "read"
	if req.RC.Operation == reader.OperationVRead {
		interaction = "vread"
	}

	if len(owners) == 0 {
		event := s.newEvent(profileBasicRead, "rest", interaction, "R", req)
		event.Entity = []fhir.AuditEventEntity{resourceEntity, requestEntity}
		return []fhir.AuditEvent{event}, nil
	}

	events := make([]fhir.AuditEvent, 0, len(owners))
	for _, owner := range owners {
		event := s.newEvent(profilePatientRead, "rest", interaction, "R", req)
		event.Entity = []fhir.AuditEventEntity{resourceEntity, requestEntity, patientEntity(owner)}
		events = append(events, event)
	}
	return events, nil
}

func (s *Synthesizer) buildResourceEvents(req Request, basicProfile, patientProfile, action string) ([]fhir.AuditEvent, error) {
	owners, err := compartmentOwnersFromResource(req.RC.ResourceType, req.ResponseBody, s.extraCompartmentParams)
	if err != nil {
		return nil, err
	}
	id := resourceIDFromBody(req.ResponseBody)
	if id == "" {
		id = req.RC.ResourceID
	}
	requestEntity := s.requestIDEntity(req.RC.RequestID)
	resourceEntity := resourceEntityRef(req.RC.ResourceType, id)

	interaction := strings.ToLower(string(req.RC.Operation))

	if len(owners) == 0 {
		event := s.newEvent(basicProfile, "rest", interaction, action, req)
		event.Entity = []fhir.AuditEventEntity{resourceEntity, requestEntity}
		return []fhir.AuditEvent{event}, nil
	}

	events := make([]fhir.AuditEvent, 0, len(owners))
	for _, owner := range owners {
		event := s.newEvent(patientProfile, "rest", interaction, action, req)
		event.Entity = []fhir.AuditEventEntity{resourceEntity, requestEntity, patientEntity(owner)}
		events = append(events, event)
	}
	return events, nil
}

// buildDeleteEvents synthesizes a pseudo-resource reference from the
// request alone, since a deleted resource's body is never available: the
// reference's display reads "DELETED <id>" and its identifier marks the
// deletion, matching the pseudo-reference rule for DELETE audits.
func (s *Synthesizer) buildDeleteEvents(req Request) []fhir.AuditEvent {
	requestEntity := s.requestIDEntity(req.RC.RequestID)
	resourceEntity := fhir.AuditEventEntity{
		What: createResourceRef(req.RC.ResourceType, req.RC.ResourceID),
		Type: &fhir.Coding{System: entityTypeSystem, Code: "2", Display: "System Object"},
		Role: &fhir.Coding{System: objectRoleSystem, Code: "4", Display: "Domain Resource"},
	}

	if req.RC.ResourceType == "Patient" && req.RC.ResourceID != "" {
		event := s.newEvent(profilePatientDelete, "rest", "delete", "D", req)
		event.Entity = []fhir.AuditEventEntity{resourceEntity, requestEntity, patientEntity(req.RC.ResourceID)}
		return []fhir.AuditEvent{event}
	}

	event := s.newEvent(profileBasicDelete, "rest", "delete", "D", req)
	event.Entity = []fhir.AuditEventEntity{resourceEntity, requestEntity}
	return []fhir.AuditEvent{event}
}

// createResourceRef builds the DELETE pseudo-reference: a reference to a
// resource that, post-delete, no longer exists upstream, carrying a display
// and identifier that make the deletion explicit to an audit reader.
func createResourceRef(resourceType, id string) *fhir.Reference {
	return &fhir.Reference{
		Reference: resourceType + "/" + id,
		Display:   "DELETED " + id,
		Identifier: &fhir.Identifier{
			System: "urn:fhir-gateway:deleted-resource",
			Value:  id,
		},
	}
}

func (s *Synthesizer) newEvent(profile, typeCode, subtypeCode, action string, req Request) fhir.AuditEvent {
	now := timeNow()
	return fhir.AuditEvent{
		ResourceType: "AuditEvent",
		Meta:         &fhir.AuditEventMeta{Profile: []string{profile}},
		Type:         fhir.Coding{System: auditEventTypeSystem, Code: "rest", Display: "Restful Operation"},
		Subtype:      []fhir.Coding{{System: restfulInteractionSystem, Code: subtypeCode}},
		Action:       action,
		Period:       &fhir.Period{Start: &req.StartedAt, End: &now},
		Recorded:     now,
		Outcome:      "0",
		Agent:        s.agents(req),
		Source:       fhir.AuditEventSource{Observer: fhir.Reference{Display: s.fhirBase}},
	}
}

func (s *Synthesizer) agents(req Request) []fhir.AuditEventAgent {
	return []fhir.AuditEventAgent{
		{
			Requestor: false,
			Network:   &fhir.AuditEventAgentNetwork{Address: req.ClientAddr, Type: "2"},
		},
		{
			Requestor: false,
			Who:       &fhir.Reference{Display: s.fhirBase},
		},
		{
			Requestor: true,
			Who:       &req.UserRef,
		},
	}
}

func (s *Synthesizer) queryEntity(req Request) fhir.AuditEventEntity {
	return fhir.AuditEventEntity{
		Type:  &fhir.Coding{System: entityTypeSystem, Code: "2", Display: "System Object"},
		Role:  &fhir.Coding{System: objectRoleSystem, Code: "24", Display: "Query"},
		Query: []byte(req.FullURL),
	}
}

func (s *Synthesizer) requestIDEntity(requestID string) fhir.AuditEventEntity {
	return fhir.AuditEventEntity{
		Type: &fhir.Coding{System: entityTypeSystem, Code: "XrequestId"},
		Detail: []fhir.AuditEventEntityDetail{
			{Type: "requestId", ValueString: requestID},
		},
	}
}

func resourceEntityRef(resourceType, id string) fhir.AuditEventEntity {
	what := &fhir.Reference{}
	if resourceType != "" {
		what.Reference = resourceType + "/" + id
	}
	return fhir.AuditEventEntity{
		What: what,
		Type: &fhir.Coding{System: entityTypeSystem, Code: "2", Display: "System Object"},
		Role: &fhir.Coding{System: objectRoleSystem, Code: "4", Display: "Domain Resource"},
	}
}

func patientEntity(patientID string) fhir.AuditEventEntity {
	return fhir.AuditEventEntity{
		What: &fhir.Reference{Reference: "Patient/" + patientID},
		Type: &fhir.Coding{System: entityTypeSystem, Code: "1", Display: "Person"},
		Role: &fhir.Coding{System: objectRoleSystem, Code: "1", Display: "Patient"},
	}
}

func resourceIDFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var res fhir.Resource
	if err := json.Unmarshal(body, &res); err != nil {
		return ""
	}
	return res.ID
}

// compartmentOwnersFromQuery extracts Patient ids from an inbound search's
// query string: any compartment-linking parameter name present is read as
// the referenced Patient id(s).
func compartmentOwnersFromQuery(resourceType, rawQuery string, extra map[string][]string) []string {
	if resourceType == "Patient" {
		return nil
	}
	params := compartmentParamNames(resourceType, extra)
	if len(params) == 0 {
		return nil
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var owners []string
	for _, param := range params {
		for _, v := range values[param] {
			id := referenceIDPart(v)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			owners = append(owners, id)
		}
	}
	return owners
}

// compartmentOwnersFromResource extracts Patient ids from a resource body: a
// Patient resource is its own owner; otherwise the compartment-linking
// fields are read as FHIR Reference (or Reference array) values.
func compartmentOwnersFromResource(resourceType string, body []byte, extra map[string][]string) ([]string, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if resourceType == "Patient" {
		var res fhir.Resource
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, err
		}
		if res.ID == "" {
			return nil, nil
		}
		return []string{res.ID}, nil
	}

	params := compartmentParamNames(resourceType, extra)
	if len(params) == 0 {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var owners []string
	for _, param := range params {
		raw, ok := fields[param]
		if !ok {
			continue
		}
		for _, ref := range referencesFromField(raw) {
			id := referenceIDPart(ref.Reference)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			owners = append(owners, id)
		}
	}
	return owners, nil
}

func compartmentParamNames(resourceType string, extra map[string][]string) []string {
	var params []string
	if defaults, ok := fhir.PatientCompartment.Resources[resourceType]; ok {
		params = append(params, defaults...)
	}
	if more, ok := extra[resourceType]; ok {
		params = append(params, more...)
	}
	return params
}

// referencesFromField decodes a JSON field that may be either a single
// Reference object or an array of them.
func referencesFromField(raw json.RawMessage) []fhir.Reference {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var refs []fhir.Reference
		if err := json.Unmarshal(trimmed, &refs); err != nil {
			return nil
		}
		return refs
	}
	var ref fhir.Reference
	if err := json.Unmarshal(trimmed, &ref); err != nil {
		return nil
	}
	return []fhir.Reference{ref}
}

func referenceIDPart(reference string) string {
	if i := strings.Index(reference, "/"); i >= 0 {
		return reference[i+1:]
	}
	return reference
}

func firstProfile(event fhir.AuditEvent) string {
	if event.Meta == nil || len(event.Meta.Profile) == 0 {
		return ""
	}
	return event.Meta.Profile[0]
}

// timeNow is a seam so tests can assert on Period without racing wall-clock
// time; production code always calls through to time.Now.
var timeNow = time.Now
