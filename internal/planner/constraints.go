package planner

import (
	"fmt"
	"sort"

	"github.com/noah-isme/course-scheduler/internal/solver"
)

// Constraint families.
const (
	FamilySinglePlacement     = "single_placement"
	FamilyRoomConflict        = "room_conflict"
	FamilyTeacherAvailability = "teacher_availability"
	FamilyTeacherLoad         = "teacher_load"
	FamilyStudentLoad         = "student_load"
	FamilyCourseOnce          = "course_once"
	FamilyStudentLink         = "student_link"
	FamilyStudentConflict     = "student_conflict"
	FamilySectionSize         = "section_size"
	FamilyRoomCapacity        = "room_capacity"
	FamilySectionBalance      = "section_balance"
	FamilyPrerequisiteOrder   = "prerequisite_order"
)

// Relaxable reports whether removing a family can tell a user something about their data.
// Structural rows are never relaxed.
func Relaxable(family string) bool {
	switch family {
	case FamilySinglePlacement, FamilyStudentLink, FamilySectionBalance:
		return false
	default:
		return true
	}
}

// Constraints emits every linear row of the model in a deterministic order.
func Constraints(idx *VariableIndex) []solver.Constraint {
	g := &generator{idx: idx}
	g.singlePlacement()
	g.slotConflicts(FamilyRoomConflict, func(p Placement) string { return p.RoomID })
	g.slotConflicts(FamilyTeacherAvailability, func(p Placement) string { return p.TeacherID })
	g.teacherLoad()
	g.studentLoad()
	g.courseOnce()
	g.studentLinks()
	g.studentConflicts()
	g.sectionSize()
	g.roomCapacity()
	g.sectionBalance()
	g.prerequisiteOrder()
	return g.rows
}

type generator struct {
	idx  *VariableIndex
	rows []solver.Constraint
}

func (g *generator) add(family, name string, terms []solver.Term, sense solver.Sense, rhs int) {
	g.rows = append(g.rows, solver.Constraint{
		Family: family,
		Name:   fmt.Sprintf("%s[%s]", family, name),
		Terms:  terms,
		Sense:  sense,
		RHS:    rhs,
	})
}

func (g *generator) placementTerms(sec, coef int) []solver.Term {
	refs := g.idx.sectionPlacements[sec]
	terms := make([]solver.Term, 0, len(refs))
	for _, ref := range refs {
		terms = append(terms, solver.Term{Var: g.idx.placements[ref].Var, Coef: coef})
	}
	return terms
}

func (g *generator) enrollmentTerms(sec, coef int) []solver.Term {
	refs := g.idx.sectionEnrollments[sec]
	terms := make([]solver.Term, 0, len(refs))
	for _, ref := range refs {
		terms = append(terms, solver.Term{Var: g.idx.enrollments[ref].Var, Coef: coef})
	}
	return terms
}

func (g *generator) singlePlacement() {
	for sec, section := range g.idx.sections {
		g.add(FamilySinglePlacement, section.ID, g.placementTerms(sec, 1), solver.Equal, 1)
	}
}

type slotKey struct {
	owner      string
	termOrder  int
	termID     string
	blockIndex int
	block      string
}

// slotConflicts keeps an owner (room or teacher) to one section per (term, block).
func (g *generator) slotConflicts(family string, owner func(Placement) string) {
	groups := make(map[slotKey][]int)
	var keys []slotKey
	for _, p := range g.idx.placements {
		key := slotKey{
			owner:      owner(p),
			termOrder:  g.idx.catalog.TermOrder(p.TermID),
			termID:     p.TermID,
			blockIndex: p.BlockIndex,
			block:      p.Block,
		}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], p.Var)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.owner != b.owner {
			return a.owner < b.owner
		}
		if a.termOrder != b.termOrder {
			return a.termOrder < b.termOrder
		}
		return a.blockIndex < b.blockIndex
	})
	for _, key := range keys {
		vars := groups[key]
		if len(vars) < 2 {
			continue
		}
		g.add(family, fmt.Sprintf("%s@%s/%s", key.owner, key.termID, key.block), unitTerms(vars, 1), solver.LessEqual, 1)
	}
}

func (g *generator) teacherLoad() {
	byTeacher := make(map[string][]int)
	for _, p := range g.idx.placements {
		byTeacher[p.TeacherID] = append(byTeacher[p.TeacherID], p.Var)
	}
	for _, teacher := range g.idx.catalog.Teachers() {
		vars := byTeacher[teacher.ID]
		if len(vars) <= teacher.MaxLoad {
			continue
		}
		g.add(FamilyTeacherLoad, teacher.ID, unitTerms(vars, 1), solver.LessEqual, teacher.MaxLoad)
	}
}

func (g *generator) studentLoad() {
	type studentTerm struct{ student, term string }
	groups := make(map[studentTerm][]int)
	var keys []studentTerm
	for _, e := range g.idx.enrollments {
		key := studentTerm{student: e.StudentID, term: g.idx.sections[e.Section].TermID}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], e.Var)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].student != keys[j].student {
			return keys[i].student < keys[j].student
		}
		return g.idx.catalog.TermOrder(keys[i].term) < g.idx.catalog.TermOrder(keys[j].term)
	})
	for _, key := range keys {
		limit := g.idx.StudentCap(key.student)
		vars := groups[key]
		if limit < 0 || len(vars) <= limit {
			continue
		}
		g.add(FamilyStudentLoad, key.student+"@"+key.term, unitTerms(vars, 1), solver.LessEqual, limit)
	}
}

func (g *generator) courseOnce() {
	for _, planned := range g.idx.requests {
		if len(planned.Enrollments) < 2 {
			continue
		}
		vars := make([]int, 0, len(planned.Enrollments))
		for _, ref := range planned.Enrollments {
			vars = append(vars, g.idx.enrollments[ref].Var)
		}
		name := fmt.Sprintf("%s:%s@%s", planned.Request.StudentID, planned.Request.CourseID, planned.Request.TermID)
		g.add(FamilyCourseOnce, name, unitTerms(vars, 1), solver.LessEqual, 1)
	}
}

// studentLinks forces attend(S, sec, b) to 1 whenever S is enrolled in sec and sec is
// placed in block b.
func (g *generator) studentLinks() {
	for _, a := range g.idx.attendances {
		section := g.idx.sections[a.Section]
		assignVar, ok := g.idx.Lookup(fmt.Sprintf("assign|%s|%s", a.StudentID, section.ID))
		if !ok {
			continue
		}
		terms := []solver.Term{{Var: assignVar, Coef: 1}}
		for _, ref := range g.idx.sectionPlacements[a.Section] {
			if p := g.idx.placements[ref]; p.Block == a.Block {
				terms = append(terms, solver.Term{Var: p.Var, Coef: 1})
			}
		}
		terms = append(terms, solver.Term{Var: a.Var, Coef: -1})
		g.add(FamilyStudentLink, fmt.Sprintf("%s:%s@%s", a.StudentID, section.ID, a.Block), terms, solver.LessEqual, 1)
	}
}

func (g *generator) studentConflicts() {
	type studentSlot struct{ student, term, block string }
	groups := make(map[studentSlot][]int)
	var keys []studentSlot
	for _, a := range g.idx.attendances {
		key := studentSlot{student: a.StudentID, term: a.TermID, block: a.Block}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], a.Var)
	}
	for _, key := range keys {
		g.add(FamilyStudentConflict, fmt.Sprintf("%s@%s/%s", key.student, key.term, key.block), unitTerms(groups[key], 1), solver.LessEqual, 1)
	}
}

func (g *generator) sectionSize() {
	for sec, section := range g.idx.sections {
		if section.MinSize > 0 {
			terms := append(g.enrollmentTerms(sec, 1), g.placementTerms(sec, -section.MinSize)...)
			g.add(FamilySectionSize, section.ID+":min", terms, solver.GreaterEqual, 0)
		}
		terms := append(g.enrollmentTerms(sec, 1), g.placementTerms(sec, -section.MaxSize)...)
		g.add(FamilySectionSize, section.ID+":max", terms, solver.LessEqual, 0)
	}
}

func (g *generator) roomCapacity() {
	for sec, section := range g.idx.sections {
		refs := g.idx.sectionPlacements[sec]
		constrained := false
		for _, ref := range refs {
			if g.idx.placements[ref].Capacity < section.MaxSize {
				constrained = true
				break
			}
		}
		if !constrained {
			continue
		}
		terms := g.enrollmentTerms(sec, 1)
		for _, ref := range refs {
			p := g.idx.placements[ref]
			terms = append(terms, solver.Term{Var: p.Var, Coef: -minInt(p.Capacity, section.MaxSize)})
		}
		g.add(FamilyRoomCapacity, section.ID, terms, solver.LessEqual, 0)
	}
}

func (g *generator) sectionBalance() {
	if g.idx.options.TargetFillRatio <= 0 {
		return
	}
	for sec, section := range g.idx.sections {
		var over, under []int
		for _, ref := range g.idx.sectionDeviations[sec] {
			d := g.idx.deviations[ref]
			if d.Over {
				over = append(over, d.Var)
			} else {
				under = append(under, d.Var)
			}
		}
		upper := append(g.enrollmentTerms(sec, 1), unitTerms(over, -1)...)
		upper = append(upper, g.placementTerms(sec, -section.Target)...)
		g.add(FamilySectionBalance, section.ID+":over", upper, solver.LessEqual, 0)

		lower := append(g.enrollmentTerms(sec, 1), unitTerms(under, 1)...)
		lower = append(lower, g.placementTerms(sec, -section.Target)...)
		g.add(FamilySectionBalance, section.ID+":under", lower, solver.GreaterEqual, 0)
	}
}

func (g *generator) prerequisiteOrder() {
	for _, link := range g.idx.links {
		terms := append(unitTerms(link.DependentVars, 1), unitTerms(link.PrerequisiteVars, 1)...)
		if link.Var >= 0 {
			terms = append(terms, solver.Term{Var: link.Var, Coef: -1})
		}
		name := fmt.Sprintf("%s:%s@%s<%s@%s", link.StudentID, link.PrereqCourse, link.PrereqTerm, link.DependentCourse, link.DependentTerm)
		g.add(FamilyPrerequisiteOrder, name, terms, solver.LessEqual, 1)
	}
}

func unitTerms(vars []int, coef int) []solver.Term {
	terms := make([]solver.Term, 0, len(vars))
	for _, v := range vars {
		terms = append(terms, solver.Term{Var: v, Coef: coef})
	}
	return terms
}
