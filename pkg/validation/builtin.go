package validation

// Base profile urls shipped with the server.
const (
	PatientBaseProfile     = "http://fhirstore.local/StructureDefinition/Patient"
	ObservationBaseProfile = "http://fhirstore.local/StructureDefinition/Observation"
	ConditionBaseProfile   = "http://fhirstore.local/StructureDefinition/Condition"
)

const patientProfile = `
url:  "http://fhirstore.local/StructureDefinition/Patient"
type: "Patient"
base: true
resource: {
	gender?:    "male" | "female" | "other" | "unknown"
	birthDate?: =~"^[0-9]{4}(-[0-9]{2}(-[0-9]{2})?)?$"
	active?:    bool
	name?: [...{
		family?: string
		given?: [...string]
		text?: string
	}]
}
`

const observationProfile = `
url:  "http://fhirstore.local/StructureDefinition/Observation"
type: "Observation"
base: true
resource: {
	status: "registered" | "preliminary" | "final" | "amended" | "corrected" | "cancelled" | "entered-in-error" | "unknown"
	code: {
		coding?: [...{system?: string, code?: string, display?: string}]
		text?: string
	}
}
`

const conditionProfile = `
url:  "http://fhirstore.local/StructureDefinition/Condition"
type: "Condition"
base: true
resource: {
	subject: reference: string
}
`

// BuiltinProfiles returns the CUE sources of the base profiles.
func BuiltinProfiles() []string {
	return []string{patientProfile, observationProfile, conditionProfile}
}
