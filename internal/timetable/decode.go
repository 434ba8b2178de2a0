package timetable

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/planner"
	"github.com/noah-isme/course-scheduler/internal/solver"
)

var (
	// ErrSolveInfeasible is returned alongside a schedule carrying infeasibility diagnostics.
	ErrSolveInfeasible = errors.New("timetable: model has no feasible assignment")
	// ErrSolveTimeout is returned when the time limit passed before any assignment was found.
	ErrSolveTimeout = errors.New("timetable: solver timed out without an incumbent")
)

// DecodeInconsistencyError lists invariants broken by a solver assignment.
type DecodeInconsistencyError struct {
	Violations []string
}

// Error implements the error interface.
func (e *DecodeInconsistencyError) Error() string {
	return fmt.Sprintf("timetable: solver assignment breaks %d invariant(s): %s", len(e.Violations), strings.Join(e.Violations, "; "))
}

// Decode maps a solver result back into a Schedule and re-validates every invariant.
// INFEASIBLE results yield a schedule with diagnostics and ErrSolveInfeasible; TIMEOUT
// results without an incumbent yield ErrSolveTimeout.
func Decode(idx *planner.VariableIndex, result *solver.Result) (*Schedule, error) {
	if idx == nil || result == nil {
		return nil, errors.New("timetable: nil index or result")
	}
	d := &decoder{idx: idx, result: result}
	return d.decode()
}

type decoder struct {
	idx        *planner.VariableIndex
	result     *solver.Result
	violations []string
}

func (d *decoder) violate(format string, args ...interface{}) {
	d.violations = append(d.violations, fmt.Sprintf(format, args...))
}

func (d *decoder) empty(status solver.Status) *Schedule {
	s := &Schedule{
		status:      status,
		diagnostics: d.idx.Diagnostics(),
	}
	for i, sec := range d.idx.Sections() {
		s.sections = append(s.sections, unplaced(sec))
		if status == solver.StatusTimeout {
			s.diagnostics = append(s.diagnostics, unplacedDiagnostic(d.idx.Section(i)))
		}
	}
	d.fill(s, nil)
	return s
}

func unplaced(sec planner.Section) SectionPlacement {
	return SectionPlacement{
		SectionID: sec.ID,
		CourseID:  sec.CourseID,
		TermID:    sec.TermID,
		Number:    sec.Number,
		MinSize:   sec.MinSize,
		MaxSize:   sec.MaxSize,
		Students:  []string{},
	}
}

func unplacedDiagnostic(sec planner.Section) models.Diagnostic {
	return models.Diagnostic{
		Code:      models.DiagnosticUnplacedSection,
		Message:   fmt.Sprintf("section %q was not placed before the time limit", sec.ID),
		CourseID:  sec.CourseID,
		TermID:    sec.TermID,
		SectionID: sec.ID,
	}
}

func (d *decoder) decode() (*Schedule, error) {
	switch d.result.Status {
	case solver.StatusInfeasible:
		return d.empty(solver.StatusInfeasible), ErrSolveInfeasible
	case solver.StatusTimeout:
		if !d.result.HasValues() {
			return d.empty(solver.StatusTimeout), ErrSolveTimeout
		}
	case solver.StatusOptimal, solver.StatusFeasible:
		if !d.result.HasValues() {
			return nil, &DecodeInconsistencyError{Violations: []string{fmt.Sprintf("%s result carries no assignment", d.result.Status)}}
		}
	default:
		return nil, fmt.Errorf("timetable: unknown solver status %q", d.result.Status)
	}
	values := d.result.Values
	if len(values) != d.idx.Len() {
		return nil, &DecodeInconsistencyError{Violations: []string{fmt.Sprintf("assignment has %d values for %d variables", len(values), d.idx.Len())}}
	}

	s := &Schedule{
		status:      d.result.Status,
		optimal:     d.result.Status == solver.StatusOptimal,
		objective:   d.result.Objective,
		diagnostics: d.idx.Diagnostics(),
	}
	partial := d.result.Status == solver.StatusTimeout

	for i, sec := range d.idx.Sections() {
		placement := unplaced(sec)
		var chosen []planner.Placement
		for _, ref := range d.idx.SectionPlacements(i) {
			if p := d.idx.Placement(ref); values[p.Var] {
				chosen = append(chosen, p)
			}
		}
		switch {
		case len(chosen) > 1:
			d.violate("section %q placed %d times", sec.ID, len(chosen))
		case len(chosen) == 1:
			p := chosen[0]
			placement.Placed = true
			placement.Block = p.Block
			placement.BlockIndex = p.BlockIndex
			placement.RoomID = p.RoomID
			placement.TeacherID = p.TeacherID
		case partial:
			s.diagnostics = append(s.diagnostics, unplacedDiagnostic(sec))
		default:
			d.violate("section %q is not placed", sec.ID)
		}
		for _, ref := range d.idx.SectionEnrollments(i) {
			e := d.idx.Enrollment(ref)
			if values[e.Var] {
				placement.Students = append(placement.Students, e.StudentID)
			}
		}
		sort.Strings(placement.Students)
		if !placement.Placed && len(placement.Students) > 0 {
			d.violate("section %q enrolls %d students without a placement", sec.ID, len(placement.Students))
		}
		s.sections = append(s.sections, placement)
	}

	d.checkSections(s.sections)
	d.checkPrerequisites(values)
	if len(d.violations) > 0 {
		return nil, &DecodeInconsistencyError{Violations: d.violations}
	}

	for _, planned := range d.idx.Requests() {
		met := false
		for _, ref := range planned.Enrollments {
			if values[d.idx.Enrollment(ref).Var] {
				met = true
				break
			}
		}
		if met {
			continue
		}
		req := planned.Request
		s.diagnostics = append(s.diagnostics, models.Diagnostic{
			Code:      models.DiagnosticUnmetRequest,
			Message:   fmt.Sprintf("student %q was not enrolled in course %q for term %q", req.StudentID, req.CourseID, req.TermID),
			StudentID: req.StudentID,
			CourseID:  req.CourseID,
			TermID:    req.TermID,
		})
	}

	d.fill(s, s.sections)
	return s, nil
}

// checkSections re-validates the resource, size and load invariants over decoded sections.
func (d *decoder) checkSections(sections []SectionPlacement) {
	cat := d.idx.Catalog()
	rooms := make(map[string]string)
	teachers := make(map[string]string)
	students := make(map[string]string)
	teacherLoad := make(map[string]int)
	studentLoad := make(map[[2]string]int)
	studentCourses := make(map[string]string)

	for _, sec := range sections {
		if !sec.Placed {
			continue
		}
		slot := sec.TermID + "/" + sec.Block
		if other, ok := rooms[sec.RoomID+"@"+slot]; ok {
			d.violate("room %q hosts %q and %q in %s", sec.RoomID, other, sec.SectionID, slot)
		}
		rooms[sec.RoomID+"@"+slot] = sec.SectionID
		if other, ok := teachers[sec.TeacherID+"@"+slot]; ok {
			d.violate("teacher %q teaches %q and %q in %s", sec.TeacherID, other, sec.SectionID, slot)
		}
		teachers[sec.TeacherID+"@"+slot] = sec.SectionID
		teacherLoad[sec.TeacherID]++

		if !cat.TeacherAvailable(sec.TeacherID, sec.TermID, sec.Block) {
			d.violate("teacher %q is not available in %s", sec.TeacherID, slot)
		}
		course, _ := cat.Course(sec.CourseID)
		if !cat.RoomSupports(sec.RoomID, course.RequiredCapability) {
			d.violate("room %q lacks capability %q for %q", sec.RoomID, course.RequiredCapability, sec.SectionID)
		}
		size := sec.Enrollment()
		if size < sec.MinSize || size > sec.MaxSize {
			d.violate("section %q enrolls %d students outside [%d, %d]", sec.SectionID, size, sec.MinSize, sec.MaxSize)
		}
		if room, ok := cat.Room(sec.RoomID); ok && size > room.Capacity {
			d.violate("section %q enrolls %d students in room %q of capacity %d", sec.SectionID, size, sec.RoomID, room.Capacity)
		}

		for _, studentID := range sec.Students {
			if other, ok := students[studentID+"@"+slot]; ok {
				d.violate("student %q attends %q and %q in %s", studentID, other, sec.SectionID, slot)
			}
			students[studentID+"@"+slot] = sec.SectionID
			studentLoad[[2]string{studentID, sec.TermID}]++
			courseKey := studentID + "@" + sec.CourseID + "@" + sec.TermID
			if other, ok := studentCourses[courseKey]; ok {
				d.violate("student %q holds %q and %q of the same course", studentID, other, sec.SectionID)
			}
			studentCourses[courseKey] = sec.SectionID
		}
	}

	for teacherID, load := range teacherLoad {
		if teacher, ok := cat.Teacher(teacherID); ok && load > teacher.MaxLoad {
			d.violate("teacher %q teaches %d sections over max load %d", teacherID, load, teacher.MaxLoad)
		}
	}
	for key, load := range studentLoad {
		if limit := d.idx.StudentCap(key[0]); limit >= 0 && load > limit {
			d.violate("student %q takes %d courses in %q over cap %d", key[0], load, key[1], limit)
		}
	}
	sort.Strings(d.violations)
}

func (d *decoder) checkPrerequisites(values []bool) {
	if !d.idx.Options().PrerequisiteHard {
		return
	}
	for _, link := range d.idx.PrerequisiteLinks() {
		if anyTrue(values, link.DependentVars) && anyTrue(values, link.PrerequisiteVars) {
			d.violate("student %q takes %q in %q without finishing prerequisite %q first (%q)", link.StudentID, link.DependentCourse, link.DependentTerm, link.PrereqCourse, link.PrereqTerm)
		}
	}
}

func anyTrue(values []bool, vars []int) bool {
	for _, v := range vars {
		if values[v] {
			return true
		}
	}
	return false
}

// fill derives the per-entity views and statistics from decoded sections.
func (d *decoder) fill(s *Schedule, sections []SectionPlacement) {
	cat := d.idx.Catalog()
	s.timetables = make(map[string][]TimetableEntry)
	s.loads = make(map[string]TeacherLoad)
	s.occupancy = make(map[string][]OccupancyCell)

	for _, student := range cat.Students() {
		s.timetables[student.ID] = []TimetableEntry{}
	}
	for _, teacher := range cat.Teachers() {
		s.loads[teacher.ID] = TeacherLoad{TeacherID: teacher.ID, MaxLoad: teacher.MaxLoad, Sections: []string{}}
	}
	cellIndex := make(map[string]int)
	for _, room := range cat.Rooms() {
		var grid []OccupancyCell
		for _, term := range cat.Terms() {
			for bi, block := range cat.Blocks(term.ID) {
				cellIndex[room.ID+"@"+term.ID+"/"+block] = len(grid)
				grid = append(grid, OccupancyCell{TermID: term.ID, Block: block, BlockIndex: bi})
			}
		}
		s.occupancy[room.ID] = grid
	}

	for _, sec := range sections {
		if !sec.Placed {
			continue
		}
		s.assignments = append(s.assignments,
			models.Assignment{Kind: models.EntityRoom, EntityID: sec.RoomID, SectionID: sec.SectionID, CourseID: sec.CourseID, TermID: sec.TermID, Block: sec.Block},
			models.Assignment{Kind: models.EntityTeacher, EntityID: sec.TeacherID, SectionID: sec.SectionID, CourseID: sec.CourseID, TermID: sec.TermID, Block: sec.Block},
		)
		load := s.loads[sec.TeacherID]
		load.Sections = append(load.Sections, sec.SectionID)
		s.loads[sec.TeacherID] = load

		if i, ok := cellIndex[sec.RoomID+"@"+sec.TermID+"/"+sec.Block]; ok {
			cell := &s.occupancy[sec.RoomID][i]
			cell.SectionID = sec.SectionID
			cell.CourseID = sec.CourseID
			cell.TeacherID = sec.TeacherID
			cell.Enrollment = sec.Enrollment()
		}
		for _, studentID := range sec.Students {
			s.assignments = append(s.assignments, models.Assignment{Kind: models.EntityStudent, EntityID: studentID, SectionID: sec.SectionID, CourseID: sec.CourseID, TermID: sec.TermID, Block: sec.Block})
			s.timetables[studentID] = append(s.timetables[studentID], TimetableEntry{
				TermID:     sec.TermID,
				Block:      sec.Block,
				BlockIndex: sec.BlockIndex,
				SectionID:  sec.SectionID,
				CourseID:   sec.CourseID,
				RoomID:     sec.RoomID,
				TeacherID:  sec.TeacherID,
			})
		}
	}

	for studentID, entries := range s.timetables {
		sort.SliceStable(entries, func(i, j int) bool {
			oi, oj := cat.TermOrder(entries[i].TermID), cat.TermOrder(entries[j].TermID)
			if oi != oj {
				return oi < oj
			}
			return entries[i].BlockIndex < entries[j].BlockIndex
		})
		s.timetables[studentID] = entries
	}
	s.statistics = computeStatistics(cat, s.sections)
}
