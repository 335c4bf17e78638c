package importer

import "encoding/json"

// FetchedData is the output of one run. Raw is the authoritative record,
// holding every fetched resource keyed by resource type; the typed slices
// are views of the same data.
type FetchedData struct {
	Patient            json.RawMessage              `json:"patient,omitempty"`
	Conditions         []json.RawMessage            `json:"conditions"`
	MedicationRequests []json.RawMessage            `json:"medicationRequests"`
	Observations       []json.RawMessage            `json:"observations"`
	Allergies          []json.RawMessage            `json:"allergies"`
	Immunizations      []json.RawMessage            `json:"immunizations"`
	DiagnosticReports  []json.RawMessage            `json:"diagnosticReports"`
	Raw                map[string][]json.RawMessage `json:"raw"`
}

// NewFetchedData returns an empty result with every slot initialised.
func NewFetchedData() *FetchedData {
	return &FetchedData{
		Conditions:         []json.RawMessage{},
		MedicationRequests: []json.RawMessage{},
		Observations:       []json.RawMessage{},
		Allergies:          []json.RawMessage{},
		Immunizations:      []json.RawMessage{},
		DiagnosticReports:  []json.RawMessage{},
		Raw:                map[string][]json.RawMessage{},
	}
}

// categorySlots routes a resource type to its typed slot. Types without an
// entry only land in Raw.
var categorySlots = map[string]func(*FetchedData, []json.RawMessage){
	TypeCondition:          func(d *FetchedData, rs []json.RawMessage) { d.Conditions = rs },
	TypeMedicationRequest:  func(d *FetchedData, rs []json.RawMessage) { d.MedicationRequests = rs },
	TypeObservation:        func(d *FetchedData, rs []json.RawMessage) { d.Observations = rs },
	TypeAllergyIntolerance: func(d *FetchedData, rs []json.RawMessage) { d.Allergies = rs },
	TypeImmunization:       func(d *FetchedData, rs []json.RawMessage) { d.Immunizations = rs },
	TypeDiagnosticReport:   func(d *FetchedData, rs []json.RawMessage) { d.DiagnosticReports = rs },
}

// Put stores the resources of one type in Raw and, when the type has one,
// in its typed slot.
func (d *FetchedData) Put(resourceType string, resources []json.RawMessage) {
	if resources == nil {
		resources = []json.RawMessage{}
	}
	d.Raw[resourceType] = resources
	if set, ok := categorySlots[resourceType]; ok {
		set(d, resources)
	}
}

// Count returns the number of resources in Raw.
func (d *FetchedData) Count() int {
	n := 0
	for _, rs := range d.Raw {
		n += len(rs)
	}
	return n
}
