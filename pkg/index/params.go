// ABOUTME: Search parameter definitions per resource type
// ABOUTME: Each parameter names the body paths it reads and how values compare

package index

import "sort"

// ParamType decides how a parameter's values are extracted and compared.
type ParamType string

const (
	// ParamToken matches code, system|code or identifier values exactly.
	ParamToken ParamType = "token"
	// ParamString matches case-insensitively on a prefix.
	ParamString ParamType = "string"
	// ParamReference matches Type/id or a bare id exactly.
	ParamReference ParamType = "reference"
	// ParamDate matches on a textual prefix, so 1980 finds 1980-01-02.
	ParamDate ParamType = "date"
)

// ParamDef defines one search parameter. Paths are dotted element paths
// relative to the resource root; arrays are walked transparently.
type ParamDef struct {
	Name  string    `yaml:"name" validate:"required"`
	Type  ParamType `yaml:"type" validate:"oneof=token string reference date"`
	Paths []string  `yaml:"paths" validate:"min=1"`
}

// DefaultParams returns the built-in parameter set.
func DefaultParams() map[string][]ParamDef {
	patientRef := func(path string) []ParamDef {
		return []ParamDef{
			{Name: "patient", Type: ParamReference, Paths: []string{path}},
			{Name: "subject", Type: ParamReference, Paths: []string{path}},
		}
	}

	return map[string][]ParamDef{
		"Patient": {
			{Name: "identifier", Type: ParamToken, Paths: []string{"identifier"}},
			{Name: "name", Type: ParamString, Paths: []string{"name.family", "name.given", "name.text"}},
			{Name: "family", Type: ParamString, Paths: []string{"name.family"}},
			{Name: "given", Type: ParamString, Paths: []string{"name.given"}},
			{Name: "gender", Type: ParamToken, Paths: []string{"gender"}},
			{Name: "birthdate", Type: ParamDate, Paths: []string{"birthDate"}},
			{Name: "active", Type: ParamToken, Paths: []string{"active"}},
			{Name: "organization", Type: ParamReference, Paths: []string{"managingOrganization"}},
		},
		"Practitioner": {
			{Name: "identifier", Type: ParamToken, Paths: []string{"identifier"}},
			{Name: "name", Type: ParamString, Paths: []string{"name.family", "name.given", "name.text"}},
			{Name: "family", Type: ParamString, Paths: []string{"name.family"}},
		},
		"Organization": {
			{Name: "identifier", Type: ParamToken, Paths: []string{"identifier"}},
			{Name: "name", Type: ParamString, Paths: []string{"name", "alias"}},
			{Name: "active", Type: ParamToken, Paths: []string{"active"}},
		},
		"Observation": append(patientRef("subject"),
			ParamDef{Name: "code", Type: ParamToken, Paths: []string{"code"}},
			ParamDef{Name: "category", Type: ParamToken, Paths: []string{"category"}},
			ParamDef{Name: "status", Type: ParamToken, Paths: []string{"status"}},
			ParamDef{Name: "encounter", Type: ParamReference, Paths: []string{"encounter"}},
			ParamDef{Name: "date", Type: ParamDate, Paths: []string{"effectiveDateTime", "effectivePeriod.start"}},
		),
		"Condition": append(patientRef("subject"),
			ParamDef{Name: "code", Type: ParamToken, Paths: []string{"code"}},
			ParamDef{Name: "category", Type: ParamToken, Paths: []string{"category"}},
			ParamDef{Name: "clinical-status", Type: ParamToken, Paths: []string{"clinicalStatus"}},
		),
		"Procedure": append(patientRef("subject"),
			ParamDef{Name: "code", Type: ParamToken, Paths: []string{"code"}},
			ParamDef{Name: "status", Type: ParamToken, Paths: []string{"status"}},
			ParamDef{Name: "date", Type: ParamDate, Paths: []string{"performedDateTime", "performedPeriod.start"}},
		),
		"AllergyIntolerance": {
			{Name: "patient", Type: ParamReference, Paths: []string{"patient"}},
			{Name: "code", Type: ParamToken, Paths: []string{"code"}},
			{Name: "clinical-status", Type: ParamToken, Paths: []string{"clinicalStatus"}},
		},
		"MedicationRequest": append(patientRef("subject"),
			ParamDef{Name: "status", Type: ParamToken, Paths: []string{"status"}},
			ParamDef{Name: "intent", Type: ParamToken, Paths: []string{"intent"}},
			ParamDef{Name: "code", Type: ParamToken, Paths: []string{"medicationCodeableConcept"}},
		),
		"Encounter": append(patientRef("subject"),
			ParamDef{Name: "status", Type: ParamToken, Paths: []string{"status"}},
			ParamDef{Name: "class", Type: ParamToken, Paths: []string{"class"}},
		),
		"Composition": append(patientRef("subject"),
			ParamDef{Name: "type", Type: ParamToken, Paths: []string{"type"}},
			ParamDef{Name: "status", Type: ParamToken, Paths: []string{"status"}},
		),
	}
}

// Types returns the resource types of defs in name order.
func Types(defs map[string][]ParamDef) []string {
	out := make([]string, 0, len(defs))
	for t := range defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
