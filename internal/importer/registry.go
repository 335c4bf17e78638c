package importer

import "sort"

// Resource type names handled by the importer.
const (
	TypePatient            = "Patient"
	TypeCondition          = "Condition"
	TypeMedicationRequest  = "MedicationRequest"
	TypeObservation        = "Observation"
	TypeAllergyIntolerance = "AllergyIntolerance"
	TypeImmunization       = "Immunization"
	TypeDiagnosticReport   = "DiagnosticReport"
	TypeProcedure          = "Procedure"
	TypeEncounter          = "Encounter"
	TypeDocumentReference  = "DocumentReference"
	TypeCarePlan           = "CarePlan"
)

// DefaultResourceTypes is the subset fetched when FetchConfig.ResourceTypes
// is empty, in fetch order.
var DefaultResourceTypes = []string{
	TypeCondition,
	TypeMedicationRequest,
	TypeObservation,
	TypeAllergyIntolerance,
	TypeImmunization,
	TypeDiagnosticReport,
}

// ResourceTypeConfig describes how one resource type is searched.
type ResourceTypeConfig struct {
	ResourceType string
	// SubjectParam is the search parameter carrying the patient id.
	SubjectParam string
	// DateParam filters on last modification for incremental fetches.
	DateParam string
	// SortKey is passed as _sort when non-empty.
	SortKey string
	// Estimate is a rough per-patient result count, used only for the
	// progress total.
	Estimate int
}

// Registry is a read-only table of supported resource types.
type Registry struct {
	entries map[string]ResourceTypeConfig
}

// NewRegistry builds a registry from the given entries.
func NewRegistry(entries ...ResourceTypeConfig) *Registry {
	r := &Registry{entries: make(map[string]ResourceTypeConfig, len(entries))}
	for _, e := range entries {
		r.entries[e.ResourceType] = e
	}
	return r
}

var defaultRegistry = NewRegistry(
	ResourceTypeConfig{ResourceType: TypeCondition, SubjectParam: "patient", DateParam: "_lastUpdated", SortKey: "-recorded-date", Estimate: 20},
	ResourceTypeConfig{ResourceType: TypeMedicationRequest, SubjectParam: "patient", DateParam: "_lastUpdated", SortKey: "-authoredon", Estimate: 30},
	ResourceTypeConfig{ResourceType: TypeObservation, SubjectParam: "patient", DateParam: "_lastUpdated", SortKey: "-date", Estimate: 200},
	ResourceTypeConfig{ResourceType: TypeAllergyIntolerance, SubjectParam: "patient", DateParam: "_lastUpdated", SortKey: "-date", Estimate: 10},
	ResourceTypeConfig{ResourceType: TypeImmunization, SubjectParam: "patient", DateParam: "_lastUpdated", SortKey: "-date", Estimate: 20},
	ResourceTypeConfig{ResourceType: TypeDiagnosticReport, SubjectParam: "patient", DateParam: "_lastUpdated", SortKey: "-date", Estimate: 50},
	ResourceTypeConfig{ResourceType: TypeProcedure, SubjectParam: "patient", DateParam: "_lastUpdated", SortKey: "-date", Estimate: 20},
	ResourceTypeConfig{ResourceType: TypeEncounter, SubjectParam: "patient", DateParam: "_lastUpdated", SortKey: "-date", Estimate: 50},
	ResourceTypeConfig{ResourceType: TypeDocumentReference, SubjectParam: "patient", DateParam: "_lastUpdated", SortKey: "-date", Estimate: 20},
	ResourceTypeConfig{ResourceType: TypeCarePlan, SubjectParam: "patient", DateParam: "_lastUpdated", Estimate: 5},
)

// DefaultRegistry returns the built-in registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Lookup returns the search configuration for resourceType, or a
// *ConfigurationError when the type is not supported.
func (r *Registry) Lookup(resourceType string) (ResourceTypeConfig, error) {
	cfg, ok := r.entries[resourceType]
	if !ok {
		return ResourceTypeConfig{}, &ConfigurationError{ResourceType: resourceType}
	}
	return cfg, nil
}

// Supports reports whether resourceType has a registry entry.
func (r *Registry) Supports(resourceType string) bool {
	_, ok := r.entries[resourceType]
	return ok
}

// Estimate sums the count estimates of the given types. Unknown types count 0.
func (r *Registry) Estimate(resourceTypes []string) int {
	total := 0
	for _, rt := range resourceTypes {
		total += r.entries[rt].Estimate
	}
	return total
}

// Types lists the supported resource types in name order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.entries))
	for rt := range r.entries {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}
