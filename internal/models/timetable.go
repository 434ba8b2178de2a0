package models

// DiagnosticCode classifies a scheduling diagnostic.
type DiagnosticCode string

const (
	DiagnosticUnsatisfiableRequest DiagnosticCode = "UNSATISFIABLE_REQUEST"
	DiagnosticUnmetRequest         DiagnosticCode = "UNMET_REQUEST"
	DiagnosticUnplacedSection      DiagnosticCode = "UNPLACED_SECTION"
	DiagnosticSaturatedFamily      DiagnosticCode = "SATURATED_FAMILY"
)

// Diagnostic explains a request, section or constraint family the schedule could not honour.
type Diagnostic struct {
	Code      DiagnosticCode `json:"code"`
	Message   string         `json:"message"`
	StudentID string         `json:"student_id,omitempty"`
	CourseID  string         `json:"course_id,omitempty"`
	TermID    string         `json:"term_id,omitempty"`
	SectionID string         `json:"section_id,omitempty"`
	Family    string         `json:"family,omitempty"`
}

// EntityKind names the entity an assignment belongs to.
type EntityKind string

const (
	EntityStudent EntityKind = "student"
	EntityTeacher EntityKind = "teacher"
	EntityRoom    EntityKind = "room"
)

// Assignment ties an entity to a section occupying a block of a term.
type Assignment struct {
	Kind      EntityKind `json:"kind"`
	EntityID  string     `json:"entity_id"`
	SectionID string     `json:"section_id"`
	CourseID  string     `json:"course_id"`
	TermID    string     `json:"term_id"`
	Block     string     `json:"block"`
}
