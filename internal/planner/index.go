package planner

import (
	"errors"
	"fmt"
	"math"

	"github.com/noah-isme/course-scheduler/internal/catalog"
	"github.com/noah-isme/course-scheduler/internal/models"
)

// VarKind identifies the family a decision variable belongs to.
type VarKind string

const (
	KindPlace                 VarKind = "place_section"
	KindAssign                VarKind = "assign_student"
	KindAttend                VarKind = "attend"
	KindOverfill              VarKind = "overfill"
	KindUnderfill             VarKind = "underfill"
	KindPrerequisiteViolation VarKind = "prerequisite_violation"
)

// IndexOptions shapes variable generation.
type IndexOptions struct {
	// MaxCoursesPerTerm is the default per-student course cap; zero or less means uncapped.
	MaxCoursesPerTerm int
	// TargetFillRatio enables section balance counters when greater than zero.
	TargetFillRatio  float64
	PrerequisiteHard bool
}

// CapacityError reports a course/term that needs more sections than its compatible
// placements can ever host.
type CapacityError struct {
	CourseID  string
	TermID    string
	Required  int
	Available int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("course %q in term %q requires %d sections but at most %d can be placed", e.CourseID, e.TermID, e.Required, e.Available)
}

// Section is a schedulable instance of a course within a term.
type Section struct {
	ID       string
	CourseID string
	TermID   string
	Number   int
	MinSize  int
	MaxSize  int
	Target   int
	Core     bool
}

// Placement is a place_section variable.
type Placement struct {
	Var        int
	Section    int
	TermID     string
	Block      string
	BlockIndex int
	RoomID     string
	TeacherID  string
	Capacity   int
}

// Enrollment is an assign_student variable.
type Enrollment struct {
	Var       int
	StudentID string
	Section   int
	Priority  float64
}

// Attendance links a student's enrollment to the block its section is placed in.
type Attendance struct {
	Var       int
	StudentID string
	Section   int
	TermID    string
	Block     string
}

// Deviation is one unit of distance between a section's enrollment and its target size.
type Deviation struct {
	Var     int
	Section int
	Over    bool
	Step    int
}

// PrerequisiteLink pairs a student's enrollments in a dependent course with those in a
// prerequisite scheduled in the same or a later term. Var is -1 when ordering is hard.
type PrerequisiteLink struct {
	Var              int
	StudentID        string
	DependentCourse  string
	DependentTerm    string
	PrereqCourse     string
	PrereqTerm       string
	DependentVars    []int
	PrerequisiteVars []int
}

// PlannedRequest is a request that survived pruning, with the enrollments that satisfy it.
type PlannedRequest struct {
	Request     models.Request
	Core        bool
	Enrollments []int
}

// Variable describes one decision variable. Ref points into the slice of its kind.
type Variable struct {
	Key  string
	Kind VarKind
	Ref  int
}

// VariableIndex enumerates every decision variable of a run in a deterministic order.
type VariableIndex struct {
	catalog *catalog.Catalog
	options IndexOptions

	sections    []Section
	placements  []Placement
	enrollments []Enrollment
	attendances []Attendance
	deviations  []Deviation
	links       []PrerequisiteLink
	requests    []PlannedRequest

	variables []Variable
	byKey     map[string]int

	sectionPlacements  [][]int
	sectionEnrollments [][]int
	sectionDeviations  [][]int
	sectionByID        map[string]int

	diagnostics []models.Diagnostic
}

type candidate struct {
	block      string
	blockIndex int
	roomID     string
	teacherID  string
	capacity   int
}

type courseTerm struct {
	course string
	term   string
}

// Index enumerates sections and decision variables for a catalog. Requests that can
// never be satisfied are dropped with an UNSATISFIABLE_REQUEST diagnostic.
func Index(cat *catalog.Catalog, opts IndexOptions) (*VariableIndex, error) {
	if cat == nil {
		return nil, errors.New("planner: nil catalog")
	}
	idx := &VariableIndex{
		catalog:     cat,
		options:     opts,
		byKey:       make(map[string]int),
		sectionByID: make(map[string]int),
	}

	grouped := make(map[courseTerm][]models.Request)
	for _, req := range cat.Requests() {
		key := courseTerm{course: req.CourseID, term: req.TermID}
		grouped[key] = append(grouped[key], req)
	}

	kept := make(map[[3]string]struct{})
	ctSections := make(map[courseTerm][]int)
	for _, course := range cat.Courses() {
		for _, term := range cat.Terms() {
			key := courseTerm{course: course.ID, term: term.ID}
			reqs := grouped[key]
			if len(reqs) == 0 {
				continue
			}
			var eligible []models.Request
			for _, req := range reqs {
				if idx.StudentCap(req.StudentID) == 0 {
					idx.drop(req, fmt.Sprintf("student %q may not take any course in term %q", req.StudentID, req.TermID))
					continue
				}
				eligible = append(eligible, req)
			}
			if len(eligible) == 0 {
				continue
			}
			candidates := idx.candidates(course, term.ID)
			if len(candidates) == 0 {
				for _, req := range eligible {
					idx.drop(req, fmt.Sprintf("course %q has no compatible room, teacher and block in term %q", req.CourseID, req.TermID))
				}
				continue
			}
			if bound := structuralBound(cat, candidates); course.RequiredSections > bound {
				return nil, &CapacityError{CourseID: course.ID, TermID: term.ID, Required: course.RequiredSections, Available: bound}
			}
			if needed := maxInt(1, course.MinSize) * course.RequiredSections; len(eligible) < needed {
				for _, req := range eligible {
					idx.drop(req, fmt.Sprintf("course %q has %d eligible request(s) in term %q but its %d section(s) need at least %d", req.CourseID, len(eligible), req.TermID, course.RequiredSections, needed))
				}
				continue
			}
			for n := 1; n <= course.RequiredSections; n++ {
				sec := idx.addSection(course, term.ID, n)
				ctSections[key] = append(ctSections[key], sec)
				for _, cand := range candidates {
					idx.addPlacement(sec, term.ID, cand)
				}
			}
			for _, req := range eligible {
				kept[[3]string{req.StudentID, req.CourseID, req.TermID}] = struct{}{}
			}
		}
	}

	for _, req := range cat.Requests() {
		if _, ok := kept[[3]string{req.StudentID, req.CourseID, req.TermID}]; !ok {
			continue
		}
		course, _ := cat.Course(req.CourseID)
		planned := PlannedRequest{Request: req, Core: course.Core}
		for _, sec := range ctSections[courseTerm{course: req.CourseID, term: req.TermID}] {
			planned.Enrollments = append(planned.Enrollments, idx.addEnrollment(req, sec))
		}
		idx.requests = append(idx.requests, planned)
	}

	idx.indexAttendance()
	idx.indexDeviations()
	idx.indexPrerequisites()
	return idx, nil
}

func (idx *VariableIndex) drop(req models.Request, message string) {
	idx.diagnostics = append(idx.diagnostics, models.Diagnostic{
		Code:      models.DiagnosticUnsatisfiableRequest,
		Message:   message,
		StudentID: req.StudentID,
		CourseID:  req.CourseID,
		TermID:    req.TermID,
	})
}

func (idx *VariableIndex) candidates(course models.Course, termID string) []candidate {
	minCapacity := course.MinSize
	if minCapacity < 1 {
		minCapacity = 1
	}
	var out []candidate
	for bi, block := range idx.catalog.Blocks(termID) {
		for _, room := range idx.catalog.Rooms() {
			if room.Capacity < minCapacity || !idx.catalog.RoomSupports(room.ID, course.RequiredCapability) {
				continue
			}
			for _, teacherID := range course.EligibleTeachers {
				teacher, ok := idx.catalog.Teacher(teacherID)
				if !ok || teacher.MaxLoad <= 0 || !idx.catalog.TeacherAvailable(teacherID, termID, block) {
					continue
				}
				out = append(out, candidate{block: block, blockIndex: bi, roomID: room.ID, teacherID: teacherID, capacity: room.Capacity})
			}
		}
	}
	return out
}

// structuralBound is the most sections a course/term could host given its candidates.
func structuralBound(cat *catalog.Catalog, candidates []candidate) int {
	roomBlocks := make(map[[2]string]struct{})
	teacherBlocks := make(map[[2]string]struct{})
	teacherSlots := make(map[string]map[string]struct{})
	for _, c := range candidates {
		roomBlocks[[2]string{c.roomID, c.block}] = struct{}{}
		teacherBlocks[[2]string{c.teacherID, c.block}] = struct{}{}
		if teacherSlots[c.teacherID] == nil {
			teacherSlots[c.teacherID] = make(map[string]struct{})
		}
		teacherSlots[c.teacherID][c.block] = struct{}{}
	}
	staffed := 0
	for teacherID, slots := range teacherSlots {
		teacher, _ := cat.Teacher(teacherID)
		staffed += minInt(teacher.MaxLoad, len(slots))
	}
	return minInt(len(roomBlocks), minInt(len(teacherBlocks), staffed))
}

func (idx *VariableIndex) addVariable(key string, kind VarKind, ref int) int {
	id := len(idx.variables)
	idx.variables = append(idx.variables, Variable{Key: key, Kind: kind, Ref: ref})
	idx.byKey[key] = id
	return id
}

func (idx *VariableIndex) addSection(course models.Course, termID string, number int) int {
	sec := Section{
		ID:       fmt.Sprintf("%s/%s/%d", course.ID, termID, number),
		CourseID: course.ID,
		TermID:   termID,
		Number:   number,
		MinSize:  course.MinSize,
		MaxSize:  course.MaxSize,
		Core:     course.Core,
	}
	sec.Target = targetSize(idx.options.TargetFillRatio, course.MinSize, course.MaxSize)
	i := len(idx.sections)
	idx.sections = append(idx.sections, sec)
	idx.sectionByID[sec.ID] = i
	idx.sectionPlacements = append(idx.sectionPlacements, nil)
	idx.sectionEnrollments = append(idx.sectionEnrollments, nil)
	idx.sectionDeviations = append(idx.sectionDeviations, nil)
	return i
}

func targetSize(ratio float64, minSize, maxSize int) int {
	if ratio <= 0 {
		return 0
	}
	target := int(math.Round(ratio * float64(maxSize)))
	if target < minSize {
		target = minSize
	}
	if target > maxSize {
		target = maxSize
	}
	return target
}

func (idx *VariableIndex) addPlacement(sec int, termID string, c candidate) {
	ref := len(idx.placements)
	key := fmt.Sprintf("place|%s|%s|%s|%s|%s", idx.sections[sec].ID, termID, c.block, c.roomID, c.teacherID)
	v := idx.addVariable(key, KindPlace, ref)
	idx.placements = append(idx.placements, Placement{
		Var:        v,
		Section:    sec,
		TermID:     termID,
		Block:      c.block,
		BlockIndex: c.blockIndex,
		RoomID:     c.roomID,
		TeacherID:  c.teacherID,
		Capacity:   c.capacity,
	})
	idx.sectionPlacements[sec] = append(idx.sectionPlacements[sec], ref)
}

func (idx *VariableIndex) addEnrollment(req models.Request, sec int) int {
	ref := len(idx.enrollments)
	key := fmt.Sprintf("assign|%s|%s", req.StudentID, idx.sections[sec].ID)
	v := idx.addVariable(key, KindAssign, ref)
	idx.enrollments = append(idx.enrollments, Enrollment{Var: v, StudentID: req.StudentID, Section: sec, Priority: req.Priority})
	idx.sectionEnrollments[sec] = append(idx.sectionEnrollments[sec], ref)
	return ref
}

// indexAttendance creates attend variables for blocks shared by two or more of a
// student's candidate sections in the same term.
func (idx *VariableIndex) indexAttendance() {
	blocksOf := make([]map[string]struct{}, len(idx.sections))
	for sec, refs := range idx.sectionPlacements {
		blocksOf[sec] = make(map[string]struct{})
		for _, ref := range refs {
			blocksOf[sec][idx.placements[ref].Block] = struct{}{}
		}
	}

	byStudent := make(map[string][]int)
	var students []string
	for _, planned := range idx.requests {
		id := planned.Request.StudentID
		if _, ok := byStudent[id]; !ok {
			students = append(students, id)
		}
		for _, ref := range planned.Enrollments {
			byStudent[id] = append(byStudent[id], idx.enrollments[ref].Section)
		}
	}

	for _, studentID := range students {
		for _, term := range idx.catalog.Terms() {
			var sections []int
			for _, sec := range byStudent[studentID] {
				if idx.sections[sec].TermID == term.ID {
					sections = append(sections, sec)
				}
			}
			if len(sections) < 2 {
				continue
			}
			for _, block := range idx.catalog.Blocks(term.ID) {
				var sharing []int
				for _, sec := range sections {
					if _, ok := blocksOf[sec][block]; ok {
						sharing = append(sharing, sec)
					}
				}
				if len(sharing) < 2 {
					continue
				}
				for _, sec := range sharing {
					ref := len(idx.attendances)
					key := fmt.Sprintf("attend|%s|%s|%s", studentID, idx.sections[sec].ID, block)
					v := idx.addVariable(key, KindAttend, ref)
					idx.attendances = append(idx.attendances, Attendance{Var: v, StudentID: studentID, Section: sec, TermID: term.ID, Block: block})
				}
			}
		}
	}
}

func (idx *VariableIndex) indexDeviations() {
	if idx.options.TargetFillRatio <= 0 {
		return
	}
	for sec, section := range idx.sections {
		for step := 1; step <= section.MaxSize-section.Target; step++ {
			idx.addDeviation(sec, true, step)
		}
		// Underfill runs down to zero so the balance rows never enforce a size bound.
		for step := 1; step <= section.Target; step++ {
			idx.addDeviation(sec, false, step)
		}
	}
}

func (idx *VariableIndex) addDeviation(sec int, over bool, step int) {
	ref := len(idx.deviations)
	kind, label := KindUnderfill, "underfill"
	if over {
		kind, label = KindOverfill, "overfill"
	}
	v := idx.addVariable(fmt.Sprintf("%s|%s|%d", label, idx.sections[sec].ID, step), kind, ref)
	idx.deviations = append(idx.deviations, Deviation{Var: v, Section: sec, Over: over, Step: step})
	idx.sectionDeviations[sec] = append(idx.sectionDeviations[sec], ref)
}

// indexPrerequisites pairs dependent and prerequisite requests of the same student
// where the prerequisite is not scheduled in an earlier term.
func (idx *VariableIndex) indexPrerequisites() {
	for _, dependent := range idx.requests {
		course, ok := idx.catalog.Course(dependent.Request.CourseID)
		if !ok || len(course.Prerequisites) == 0 {
			continue
		}
		dependentOrder := idx.catalog.TermOrder(dependent.Request.TermID)
		for _, prereqID := range course.Prerequisites {
			for _, prereq := range idx.requests {
				if prereq.Request.StudentID != dependent.Request.StudentID || prereq.Request.CourseID != prereqID {
					continue
				}
				if idx.catalog.TermOrder(prereq.Request.TermID) < dependentOrder {
					continue
				}
				link := PrerequisiteLink{
					Var:             -1,
					StudentID:       dependent.Request.StudentID,
					DependentCourse: dependent.Request.CourseID,
					DependentTerm:   dependent.Request.TermID,
					PrereqCourse:    prereq.Request.CourseID,
					PrereqTerm:      prereq.Request.TermID,
				}
				for _, ref := range dependent.Enrollments {
					link.DependentVars = append(link.DependentVars, idx.enrollments[ref].Var)
				}
				for _, ref := range prereq.Enrollments {
					link.PrerequisiteVars = append(link.PrerequisiteVars, idx.enrollments[ref].Var)
				}
				ref := len(idx.links)
				if !idx.options.PrerequisiteHard {
					key := fmt.Sprintf("prereq|%s|%s@%s|%s@%s", link.StudentID, link.DependentCourse, link.DependentTerm, link.PrereqCourse, link.PrereqTerm)
					link.Var = idx.addVariable(key, KindPrerequisiteViolation, ref)
				}
				idx.links = append(idx.links, link)
			}
		}
	}
}

// StudentCap returns the per-term course cap of a student, or -1 when uncapped.
func (idx *VariableIndex) StudentCap(studentID string) int {
	if student, ok := idx.catalog.Student(studentID); ok && student.MaxCoursesPerTerm != nil {
		return *student.MaxCoursesPerTerm
	}
	if idx.options.MaxCoursesPerTerm <= 0 {
		return -1
	}
	return idx.options.MaxCoursesPerTerm
}

// Catalog returns the catalog the index was built from.
func (idx *VariableIndex) Catalog() *catalog.Catalog { return idx.catalog }

// Options returns the options the index was built with.
func (idx *VariableIndex) Options() IndexOptions { return idx.options }

// Len returns the number of decision variables.
func (idx *VariableIndex) Len() int { return len(idx.variables) }

// Variable returns the descriptor of variable v.
func (idx *VariableIndex) Variable(v int) Variable { return idx.variables[v] }

// Keys returns every variable key in id order.
func (idx *VariableIndex) Keys() []string {
	keys := make([]string, len(idx.variables))
	for i, v := range idx.variables {
		keys[i] = v.Key
	}
	return keys
}

// Lookup reverses a variable key into its id.
func (idx *VariableIndex) Lookup(key string) (int, bool) {
	v, ok := idx.byKey[key]
	return v, ok
}

// Sections returns every section in index order.
func (idx *VariableIndex) Sections() []Section { return append([]Section(nil), idx.sections...) }

// Section returns section i.
func (idx *VariableIndex) Section(i int) Section { return idx.sections[i] }

// SectionByID resolves a section id into its position.
func (idx *VariableIndex) SectionByID(id string) (int, bool) {
	i, ok := idx.sectionByID[id]
	return i, ok
}

// Placements returns every place_section variable.
func (idx *VariableIndex) Placements() []Placement { return append([]Placement(nil), idx.placements...) }

// Placement returns placement ref.
func (idx *VariableIndex) Placement(ref int) Placement { return idx.placements[ref] }

// Enrollments returns every assign_student variable.
func (idx *VariableIndex) Enrollments() []Enrollment {
	return append([]Enrollment(nil), idx.enrollments...)
}

// Enrollment returns enrollment ref.
func (idx *VariableIndex) Enrollment(ref int) Enrollment { return idx.enrollments[ref] }

// Attendances returns every attend variable.
func (idx *VariableIndex) Attendances() []Attendance {
	return append([]Attendance(nil), idx.attendances...)
}

// Deviations returns every overfill/underfill variable.
func (idx *VariableIndex) Deviations() []Deviation { return append([]Deviation(nil), idx.deviations...) }

// PrerequisiteLinks returns every dependent/prerequisite pairing.
func (idx *VariableIndex) PrerequisiteLinks() []PrerequisiteLink {
	return append([]PrerequisiteLink(nil), idx.links...)
}

// Requests returns the requests that survived pruning.
func (idx *VariableIndex) Requests() []PlannedRequest {
	return append([]PlannedRequest(nil), idx.requests...)
}

// SectionPlacements returns the placement refs of section i.
func (idx *VariableIndex) SectionPlacements(i int) []int {
	return append([]int(nil), idx.sectionPlacements[i]...)
}

// SectionEnrollments returns the enrollment refs of section i.
func (idx *VariableIndex) SectionEnrollments(i int) []int {
	return append([]int(nil), idx.sectionEnrollments[i]...)
}

// SectionDeviations returns the deviation refs of section i.
func (idx *VariableIndex) SectionDeviations(i int) []int {
	return append([]int(nil), idx.sectionDeviations[i]...)
}

// Diagnostics returns the requests dropped before model construction.
func (idx *VariableIndex) Diagnostics() []models.Diagnostic {
	return append([]models.Diagnostic(nil), idx.diagnostics...)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
