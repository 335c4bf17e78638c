package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource is the envelope every FHIR resource shares. It is decoded from raw
// resource JSON when only the type and identity matter.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

// ParseReference decodes the resourceType/id envelope of an encoded resource.
func ParseReference(raw json.RawMessage) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return Resource{}, fmt.Errorf("decode resource envelope: %w", err)
	}
	return r, nil
}

// Session is the clinical record context a client is bound to. A nil
// *Session means no session is active.
type Session struct {
	PatientID string `json:"patientId"`
	// ConnectionID identifies the upstream connection in progress reports.
	ConnectionID string `json:"connectionId,omitempty"`
}
