package timetable

import (
	"encoding/json"

	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/solver"
)

// SectionPlacement is the decoded outcome of one section.
type SectionPlacement struct {
	SectionID  string   `json:"section_id"`
	CourseID   string   `json:"course_id"`
	TermID     string   `json:"term_id"`
	Number     int      `json:"number"`
	Placed     bool     `json:"placed"`
	Block      string   `json:"block,omitempty"`
	BlockIndex int      `json:"block_index"`
	RoomID     string   `json:"room_id,omitempty"`
	TeacherID  string   `json:"teacher_id,omitempty"`
	MinSize    int      `json:"min_size"`
	MaxSize    int      `json:"max_size"`
	Students   []string `json:"students"`
}

// Enrollment returns the number of students placed in the section.
func (s SectionPlacement) Enrollment() int { return len(s.Students) }

// TimetableEntry is one slot of a student's timetable.
type TimetableEntry struct {
	TermID     string `json:"term_id"`
	Block      string `json:"block"`
	BlockIndex int    `json:"block_index"`
	SectionID  string `json:"section_id"`
	CourseID   string `json:"course_id"`
	RoomID     string `json:"room_id"`
	TeacherID  string `json:"teacher_id"`
}

// TeacherLoad summarises the sections a teacher was given.
type TeacherLoad struct {
	TeacherID string   `json:"teacher_id"`
	MaxLoad   int      `json:"max_load"`
	Sections  []string `json:"sections"`
}

// Load returns the number of sections taught.
func (t TeacherLoad) Load() int { return len(t.Sections) }

// OccupancyCell is one (term, block) cell of a room's occupancy grid. SectionID is
// empty when the room is free.
type OccupancyCell struct {
	TermID     string `json:"term_id"`
	Block      string `json:"block"`
	BlockIndex int    `json:"block_index"`
	SectionID  string `json:"section_id,omitempty"`
	CourseID   string `json:"course_id,omitempty"`
	TeacherID  string `json:"teacher_id,omitempty"`
	Enrollment int    `json:"enrollment"`
}

// Schedule is the decoded output of one solve.
type Schedule struct {
	status      solver.Status
	optimal     bool
	objective   float64
	sections    []SectionPlacement
	timetables  map[string][]TimetableEntry
	loads       map[string]TeacherLoad
	occupancy   map[string][]OccupancyCell
	diagnostics []models.Diagnostic
	assignments []models.Assignment
	statistics  Statistics
}

// Status returns the solver status the schedule was decoded from.
func (s *Schedule) Status() solver.Status { return s.status }

// Optimal reports whether the solver proved the schedule optimal.
func (s *Schedule) Optimal() bool { return s.optimal }

// Objective returns the objective value of the decoded assignment.
func (s *Schedule) Objective() float64 { return s.objective }

// Sections returns every section in index order.
func (s *Schedule) Sections() []SectionPlacement {
	out := make([]SectionPlacement, len(s.sections))
	for i, sec := range s.sections {
		sec.Students = append([]string(nil), sec.Students...)
		out[i] = sec
	}
	return out
}

// Section returns a section by id.
func (s *Schedule) Section(id string) (SectionPlacement, bool) {
	for _, sec := range s.sections {
		if sec.SectionID == id {
			sec.Students = append([]string(nil), sec.Students...)
			return sec, true
		}
	}
	return SectionPlacement{}, false
}

// TimetableFor returns a student's timetable ordered by term then block. The boolean
// is false for unknown students.
func (s *Schedule) TimetableFor(studentID string) ([]TimetableEntry, bool) {
	entries, ok := s.timetables[studentID]
	if !ok {
		return nil, false
	}
	return append([]TimetableEntry{}, entries...), true
}

// LoadFor returns a teacher's load summary.
func (s *Schedule) LoadFor(teacherID string) (TeacherLoad, bool) {
	load, ok := s.loads[teacherID]
	if !ok {
		return TeacherLoad{}, false
	}
	load.Sections = append([]string{}, load.Sections...)
	return load, true
}

// OccupancyFor returns a room's occupancy grid over every block of every term.
func (s *Schedule) OccupancyFor(roomID string) ([]OccupancyCell, bool) {
	cells, ok := s.occupancy[roomID]
	if !ok {
		return nil, false
	}
	return append([]OccupancyCell{}, cells...), true
}

// Diagnostics returns unsatisfiable requests, unmet requests, unplaced sections and
// infeasibility causes.
func (s *Schedule) Diagnostics() []models.Diagnostic {
	return append([]models.Diagnostic{}, s.diagnostics...)
}

// Assignments returns the flattened (entity, section, block, term) tuples.
func (s *Schedule) Assignments() []models.Assignment {
	return append([]models.Assignment{}, s.assignments...)
}

// Statistics returns room utilisation, section sizes and per-term totals.
func (s *Schedule) Statistics() Statistics { return s.statistics }

type scheduleJSON struct {
	Status      solver.Status               `json:"status"`
	Optimal     bool                        `json:"optimal"`
	Objective   float64                     `json:"objective"`
	Sections    []SectionPlacement          `json:"sections"`
	Timetables  map[string][]TimetableEntry `json:"timetables"`
	Loads       map[string]TeacherLoad      `json:"loads"`
	Occupancy   map[string][]OccupancyCell  `json:"occupancy"`
	Diagnostics []models.Diagnostic         `json:"diagnostics"`
	Assignments []models.Assignment         `json:"assignments"`
	Statistics  Statistics                  `json:"statistics"`
}

// MarshalJSON implements json.Marshaler.
func (s *Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(scheduleJSON{
		Status:      s.status,
		Optimal:     s.optimal,
		Objective:   s.objective,
		Sections:    s.sections,
		Timetables:  s.timetables,
		Loads:       s.loads,
		Occupancy:   s.occupancy,
		Diagnostics: s.diagnostics,
		Assignments: s.assignments,
		Statistics:  s.statistics,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Schedule) UnmarshalJSON(data []byte) error {
	var raw scheduleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Schedule{
		status:      raw.Status,
		optimal:     raw.Optimal,
		objective:   raw.Objective,
		sections:    raw.Sections,
		timetables:  raw.Timetables,
		loads:       raw.Loads,
		occupancy:   raw.Occupancy,
		diagnostics: raw.Diagnostics,
		assignments: raw.Assignments,
		statistics:  raw.Statistics,
	}
	return nil
}
