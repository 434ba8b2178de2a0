package models

// Period is one of the three fixed daily time slots.
type Period string

const (
	PeriodMorning   Period = "Morning"
	PeriodAfternoon Period = "Afternoon"
	PeriodEvening   Period = "Evening"
)

// Periods lists the daily periods in chronological order.
var Periods = []Period{PeriodMorning, PeriodAfternoon, PeriodEvening}

// Weekdays lists every day accepted in a term definition, Monday first.
var Weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// DefaultTermDays is used when a term does not declare its teaching days.
var DefaultTermDays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"}

// Term is a scheduling period made of day/period blocks.
type Term struct {
	ID    string   `json:"id" yaml:"id" validate:"required"`
	Name  string   `json:"name,omitempty" yaml:"name"`
	Order int      `json:"order" yaml:"order" validate:"gte=0"`
	Days  []string `json:"days,omitempty" yaml:"days" validate:"omitempty,unique,dive,oneof=Monday Tuesday Wednesday Thursday Friday Saturday Sunday"`
}

// Room is a shared, read-only teaching space.
type Room struct {
	ID           string   `json:"id" yaml:"id" validate:"required"`
	Capacity     int      `json:"capacity" yaml:"capacity" validate:"gt=0"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities" validate:"omitempty,dive,required"`
}

// AvailabilitySlot marks a (term, block) pair a teacher can teach in.
type AvailabilitySlot struct {
	TermID string `json:"term_id" yaml:"term_id" validate:"required"`
	Block  string `json:"block" yaml:"block" validate:"required"`
}

// Teacher lists the slots a teacher is available in and how many sections they can take.
// An empty availability list means the teacher is available in every block.
type Teacher struct {
	ID           string             `json:"id" yaml:"id" validate:"required"`
	Name         string             `json:"name,omitempty" yaml:"name"`
	Availability []AvailabilitySlot `json:"availability,omitempty" yaml:"availability" validate:"omitempty,dive"`
	MaxLoad      int                `json:"max_load" yaml:"max_load" validate:"gte=0"`
}

// Course describes section sizing, staffing and ordering requirements.
type Course struct {
	ID                 string   `json:"id" yaml:"id" validate:"required"`
	Title              string   `json:"title,omitempty" yaml:"title"`
	MinSize            int      `json:"min_size" yaml:"min_size" validate:"gte=0"`
	MaxSize            int      `json:"max_size" yaml:"max_size" validate:"gt=0,gtefield=MinSize"`
	RequiredSections   int      `json:"required_sections" yaml:"required_sections" validate:"gte=1"`
	RequiredCapability string   `json:"required_capability,omitempty" yaml:"required_capability"`
	EligibleTeachers   []string `json:"eligible_teachers" yaml:"eligible_teachers" validate:"required,min=1,unique,dive,required"`
	Prerequisites      []string `json:"prerequisites,omitempty" yaml:"prerequisites" validate:"omitempty,unique,dive,required"`
	Core               bool     `json:"core" yaml:"core"`
}

// Student optionally overrides the configured per-term course cap.
type Student struct {
	ID                string `json:"id" yaml:"id" validate:"required"`
	Name              string `json:"name,omitempty" yaml:"name"`
	MaxCoursesPerTerm *int   `json:"max_courses_per_term,omitempty" yaml:"max_courses_per_term" validate:"omitempty,gte=0"`
}

// Request is a student's wish to take a course in a term.
type Request struct {
	StudentID string  `json:"student_id" yaml:"student_id" validate:"required"`
	CourseID  string  `json:"course_id" yaml:"course_id" validate:"required"`
	TermID    string  `json:"term_id" yaml:"term_id" validate:"required"`
	Priority  float64 `json:"priority" yaml:"priority" validate:"gte=0"`
}

// CatalogInput is the raw record set accepted by the catalog loader.
type CatalogInput struct {
	Terms    []Term    `json:"terms" yaml:"terms" validate:"required,min=1,dive"`
	Rooms    []Room    `json:"rooms" yaml:"rooms" validate:"required,min=1,dive"`
	Teachers []Teacher `json:"teachers" yaml:"teachers" validate:"required,min=1,dive"`
	Courses  []Course  `json:"courses" yaml:"courses" validate:"required,min=1,dive"`
	Students []Student `json:"students,omitempty" yaml:"students" validate:"omitempty,dive"`
	Requests []Request `json:"requests" yaml:"requests" validate:"omitempty,dive"`
}
