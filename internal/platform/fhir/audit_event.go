package fhir

import "time"

// AuditEvent is the subset of the FHIR R4 AuditEvent resource the gateway's
// BALP audit synthesizer populates: enough for the agent/entity/period shape
// BALP profiles require, not the full resource definition.
type AuditEvent struct {
	ResourceType string            `json:"resourceType"`
	Meta         *AuditEventMeta   `json:"meta,omitempty"`
	Type         Coding            `json:"type"`
	Subtype      []Coding          `json:"subtype,omitempty"`
	Action       string            `json:"action,omitempty"`
	Period       *Period           `json:"period,omitempty"`
	Recorded     time.Time         `json:"recorded"`
	Outcome      string            `json:"outcome,omitempty"`
	Agent        []AuditEventAgent `json:"agent"`
	Source       AuditEventSource  `json:"source"`
	Entity       []AuditEventEntity `json:"entity,omitempty"`
}

// AuditEventMeta carries the BALP profile canonical URL this event conforms
// to, distinct from the generic Meta used elsewhere since AuditEvent never
// needs versionId/lastUpdated at synthesis time.
type AuditEventMeta struct {
	Profile []string `json:"profile,omitempty"`
}

type AuditEventAgent struct {
	Type      *CodeableConcept        `json:"type,omitempty"`
	Who       *Reference              `json:"who,omitempty"`
	Requestor bool                    `json:"requestor"`
	Network   *AuditEventAgentNetwork `json:"network,omitempty"`
}

type AuditEventAgentNetwork struct {
	Address string `json:"address,omitempty"`
	Type    string `json:"type,omitempty"`
}

type AuditEventSource struct {
	Observer Reference `json:"observer"`
}

type AuditEventEntity struct {
	What   *Reference               `json:"what,omitempty"`
	Type   *Coding                  `json:"type,omitempty"`
	Role   *Coding                  `json:"role,omitempty"`
	Detail []AuditEventEntityDetail `json:"detail,omitempty"`
	Query  []byte                  `json:"query,omitempty"`
}

type AuditEventEntityDetail struct {
	Type        string `json:"type"`
	ValueString string `json:"valueString,omitempty"`
}
