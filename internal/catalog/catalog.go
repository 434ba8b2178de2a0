package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/course-scheduler/internal/models"
)

// ValidationError lists every integrity problem found in a catalog input.
type ValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "catalog validation failed"
	}
	return fmt.Sprintf("catalog validation failed: %s", strings.Join(e.Problems, "; "))
}

// Catalog is the normalised, read-only view over one run's entities.
type Catalog struct {
	terms     []models.Term
	termIdx   map[string]int
	blocks    map[string][]string
	blockIdx  map[string]map[string]int
	rooms     []models.Room
	roomIdx   map[string]int
	teachers  []models.Teacher
	teacherIx map[string]int
	available map[string]map[slot]struct{}
	courses   []models.Course
	courseIdx map[string]int
	students  []models.Student
	studentIx map[string]int
	requests  []models.Request
}

type slot struct {
	term  string
	block string
}

// BlockName joins a day and a period into a block id such as "Monday-Morning".
func BlockName(day string, period models.Period) string {
	return day + "-" + string(period)
}

// Load validates raw records and builds a Catalog. No catalog is returned when any
// record fails validation.
func Load(input models.CatalogInput) (*Catalog, error) {
	return LoadWithValidator(input, nil)
}

// LoadWithValidator is Load with a caller supplied validator instance.
func LoadWithValidator(input models.CatalogInput, validate *validator.Validate) (*Catalog, error) {
	if validate == nil {
		validate = validator.New()
	}
	var problems []string
	if err := validate.Struct(input); err != nil {
		problems = append(problems, describeValidation(err)...)
	}

	c := &Catalog{
		termIdx:   make(map[string]int),
		blocks:    make(map[string][]string),
		blockIdx:  make(map[string]map[string]int),
		roomIdx:   make(map[string]int),
		teacherIx: make(map[string]int),
		available: make(map[string]map[slot]struct{}),
		courseIdx: make(map[string]int),
		studentIx: make(map[string]int),
	}

	c.terms = append([]models.Term(nil), input.Terms...)
	sort.SliceStable(c.terms, func(i, j int) bool {
		if c.terms[i].Order == c.terms[j].Order {
			return c.terms[i].ID < c.terms[j].ID
		}
		return c.terms[i].Order < c.terms[j].Order
	})
	for i := range c.terms {
		term := &c.terms[i]
		if _, dup := c.termIdx[term.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate term %q", term.ID))
			continue
		}
		c.termIdx[term.ID] = i
		term.Days = orderedDays(term.Days)
		names := make([]string, 0, len(term.Days)*len(models.Periods))
		index := make(map[string]int, cap(names))
		for _, day := range term.Days {
			for _, period := range models.Periods {
				name := BlockName(day, period)
				index[name] = len(names)
				names = append(names, name)
			}
		}
		c.blocks[term.ID] = names
		c.blockIdx[term.ID] = index
	}

	c.rooms = append([]models.Room(nil), input.Rooms...)
	sort.SliceStable(c.rooms, func(i, j int) bool { return c.rooms[i].ID < c.rooms[j].ID })
	for i, room := range c.rooms {
		if _, dup := c.roomIdx[room.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate room %q", room.ID))
			continue
		}
		c.rooms[i].Capabilities = append([]string(nil), room.Capabilities...)
		c.roomIdx[room.ID] = i
	}

	c.teachers = append([]models.Teacher(nil), input.Teachers...)
	sort.SliceStable(c.teachers, func(i, j int) bool { return c.teachers[i].ID < c.teachers[j].ID })
	for i, teacher := range c.teachers {
		if _, dup := c.teacherIx[teacher.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate teacher %q", teacher.ID))
			continue
		}
		c.teachers[i].Availability = append([]models.AvailabilitySlot(nil), teacher.Availability...)
		c.teacherIx[teacher.ID] = i
		if len(teacher.Availability) == 0 {
			continue
		}
		slots := make(map[slot]struct{}, len(teacher.Availability))
		for _, s := range teacher.Availability {
			if _, ok := c.termIdx[s.TermID]; !ok {
				problems = append(problems, fmt.Sprintf("teacher %q lists availability in unknown term %q", teacher.ID, s.TermID))
				continue
			}
			if _, ok := c.blockIdx[s.TermID][s.Block]; !ok {
				problems = append(problems, fmt.Sprintf("teacher %q lists invalid block %q for term %q", teacher.ID, s.Block, s.TermID))
				continue
			}
			slots[slot{term: s.TermID, block: s.Block}] = struct{}{}
		}
		c.available[teacher.ID] = slots
	}

	c.courses = append([]models.Course(nil), input.Courses...)
	sort.SliceStable(c.courses, func(i, j int) bool { return c.courses[i].ID < c.courses[j].ID })
	for i, course := range c.courses {
		if _, dup := c.courseIdx[course.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate course %q", course.ID))
			continue
		}
		c.courses[i].EligibleTeachers = sortedCopy(course.EligibleTeachers)
		c.courses[i].Prerequisites = sortedCopy(course.Prerequisites)
		c.courseIdx[course.ID] = i
	}
	for _, course := range c.courses {
		for _, teacherID := range course.EligibleTeachers {
			if _, ok := c.teacherIx[teacherID]; !ok {
				problems = append(problems, fmt.Sprintf("course %q lists unknown teacher %q", course.ID, teacherID))
			}
		}
		for _, prereq := range course.Prerequisites {
			if prereq == course.ID {
				problems = append(problems, fmt.Sprintf("course %q lists itself as prerequisite", course.ID))
				continue
			}
			if _, ok := c.courseIdx[prereq]; !ok {
				problems = append(problems, fmt.Sprintf("course %q lists unknown prerequisite %q", course.ID, prereq))
			}
		}
	}
	if cycle := c.prerequisiteCycle(); cycle != "" {
		problems = append(problems, fmt.Sprintf("prerequisite cycle through course %q", cycle))
	}

	c.students = append([]models.Student(nil), input.Students...)
	deriveStudents := len(c.students) == 0
	if deriveStudents {
		seen := make(map[string]struct{})
		for _, req := range input.Requests {
			if _, ok := seen[req.StudentID]; ok || req.StudentID == "" {
				continue
			}
			seen[req.StudentID] = struct{}{}
			c.students = append(c.students, models.Student{ID: req.StudentID})
		}
	}
	sort.SliceStable(c.students, func(i, j int) bool { return c.students[i].ID < c.students[j].ID })
	for i, student := range c.students {
		if _, dup := c.studentIx[student.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate student %q", student.ID))
			continue
		}
		c.studentIx[student.ID] = i
	}

	c.requests = make([]models.Request, 0, len(input.Requests))
	seenReq := make(map[[3]string]struct{}, len(input.Requests))
	for _, req := range input.Requests {
		valid := true
		if _, ok := c.studentIx[req.StudentID]; !ok {
			problems = append(problems, fmt.Sprintf("request references unknown student %q", req.StudentID))
			valid = false
		}
		if _, ok := c.courseIdx[req.CourseID]; !ok {
			problems = append(problems, fmt.Sprintf("request of student %q references unknown course %q", req.StudentID, req.CourseID))
			valid = false
		}
		if _, ok := c.termIdx[req.TermID]; !ok {
			problems = append(problems, fmt.Sprintf("request of student %q references unknown term %q", req.StudentID, req.TermID))
			valid = false
		}
		key := [3]string{req.StudentID, req.CourseID, req.TermID}
		if _, dup := seenReq[key]; dup {
			problems = append(problems, fmt.Sprintf("duplicate request of student %q for course %q in term %q", req.StudentID, req.CourseID, req.TermID))
			valid = false
		}
		seenReq[key] = struct{}{}
		if valid {
			c.requests = append(c.requests, req)
		}
	}
	sort.SliceStable(c.requests, func(i, j int) bool {
		a, b := c.requests[i], c.requests[j]
		if a.StudentID != b.StudentID {
			return a.StudentID < b.StudentID
		}
		if a.CourseID != b.CourseID {
			return a.CourseID < b.CourseID
		}
		return c.TermOrder(a.TermID) < c.TermOrder(b.TermID)
	})

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return c, nil
}

// Terms returns terms in scheduling order.
func (c *Catalog) Terms() []models.Term { return append([]models.Term(nil), c.terms...) }

// Rooms returns rooms ordered by id.
func (c *Catalog) Rooms() []models.Room { return append([]models.Room(nil), c.rooms...) }

// Teachers returns teachers ordered by id.
func (c *Catalog) Teachers() []models.Teacher { return append([]models.Teacher(nil), c.teachers...) }

// Courses returns courses ordered by id.
func (c *Catalog) Courses() []models.Course { return append([]models.Course(nil), c.courses...) }

// Students returns students ordered by id.
func (c *Catalog) Students() []models.Student { return append([]models.Student(nil), c.students...) }

// Requests returns requests ordered by student, course and term.
func (c *Catalog) Requests() []models.Request { return append([]models.Request(nil), c.requests...) }

// Term looks up a term by id.
func (c *Catalog) Term(id string) (models.Term, bool) {
	i, ok := c.termIdx[id]
	if !ok {
		return models.Term{}, false
	}
	return c.terms[i], true
}

// Room looks up a room by id.
func (c *Catalog) Room(id string) (models.Room, bool) {
	i, ok := c.roomIdx[id]
	if !ok {
		return models.Room{}, false
	}
	return c.rooms[i], true
}

// Teacher looks up a teacher by id.
func (c *Catalog) Teacher(id string) (models.Teacher, bool) {
	i, ok := c.teacherIx[id]
	if !ok {
		return models.Teacher{}, false
	}
	return c.teachers[i], true
}

// Course looks up a course by id.
func (c *Catalog) Course(id string) (models.Course, bool) {
	i, ok := c.courseIdx[id]
	if !ok {
		return models.Course{}, false
	}
	return c.courses[i], true
}

// Student looks up a student by id.
func (c *Catalog) Student(id string) (models.Student, bool) {
	i, ok := c.studentIx[id]
	if !ok {
		return models.Student{}, false
	}
	return c.students[i], true
}

// TermOrder returns the position of a term in scheduling order, or -1.
func (c *Catalog) TermOrder(termID string) int {
	if i, ok := c.termIdx[termID]; ok {
		return i
	}
	return -1
}

// Blocks returns the ordered block ids of a term.
func (c *Catalog) Blocks(termID string) []string {
	return append([]string(nil), c.blocks[termID]...)
}

// BlockIndex returns the position of a block inside its term, or -1.
func (c *Catalog) BlockIndex(termID, block string) int {
	if i, ok := c.blockIdx[termID][block]; ok {
		return i
	}
	return -1
}

// TeacherAvailable reports whether the teacher declared the (term, block) slot.
func (c *Catalog) TeacherAvailable(teacherID, termID, block string) bool {
	if _, ok := c.teacherIx[teacherID]; !ok {
		return false
	}
	if c.BlockIndex(termID, block) < 0 {
		return false
	}
	slots, restricted := c.available[teacherID]
	if !restricted {
		return true
	}
	_, ok := slots[slot{term: termID, block: block}]
	return ok
}

// RoomSupports reports whether a room offers the capability; an empty capability always matches.
func (c *Catalog) RoomSupports(roomID, capability string) bool {
	room, ok := c.Room(roomID)
	if !ok {
		return false
	}
	if capability == "" {
		return true
	}
	for _, cap := range room.Capabilities {
		if strings.EqualFold(cap, capability) {
			return true
		}
	}
	return false
}

func (c *Catalog) prerequisiteCycle() string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.courses))
	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		if i, ok := c.courseIdx[id]; ok {
			for _, prereq := range c.courses[i].Prerequisites {
				if prereq == id {
					continue
				}
				if found := visit(prereq); found != "" {
					return found
				}
			}
		}
		state[id] = done
		return ""
	}
	for _, course := range c.courses {
		if found := visit(course.ID); found != "" {
			return found
		}
	}
	return ""
}

func orderedDays(days []string) []string {
	if len(days) == 0 {
		return append([]string(nil), models.DefaultTermDays...)
	}
	wanted := make(map[string]bool, len(days))
	for _, day := range days {
		wanted[day] = true
	}
	result := make([]string, 0, len(days))
	for _, day := range models.Weekdays {
		if wanted[day] {
			result = append(result, day)
		}
	}
	return result
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

func describeValidation(err error) []string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return problems
}
