package planner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/course-scheduler/internal/catalog"
	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/solver"
)

func intPtr(v int) *int { return &v }

func request(student, course, term string, priority float64) models.Request {
	return models.Request{StudentID: student, CourseID: course, TermID: term, Priority: priority}
}

func mustLoad(t *testing.T, input models.CatalogInput) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load(input)
	require.NoError(t, err)
	return cat
}

func twoCourseInput() models.CatalogInput {
	return models.CatalogInput{
		Terms: []models.Term{{ID: "T1", Order: 1, Days: []string{"Monday"}}},
		Rooms: []models.Room{{ID: "R1", Capacity: 30}},
		Teachers: []models.Teacher{
			{ID: "tch", MaxLoad: 4},
		},
		Courses: []models.Course{
			{ID: "ALG", MinSize: 1, MaxSize: 30, RequiredSections: 1, EligibleTeachers: []string{"tch"}, Core: true},
			{ID: "BIO", MinSize: 1, MaxSize: 30, RequiredSections: 1, EligibleTeachers: []string{"tch"}},
			{ID: "GEO", MinSize: 1, MaxSize: 30, RequiredSections: 1, EligibleTeachers: []string{"tch"}},
		},
		Requests: []models.Request{
			request("s1", "ALG", "T1", 1),
			request("s1", "BIO", "T1", 2),
			request("s2", "ALG", "T1", 0.5),
		},
	}
}

func familyCounts(rows []solver.Constraint) map[string]int {
	counts := make(map[string]int)
	for _, r := range rows {
		counts[r.Family]++
	}
	return counts
}

func TestIndexIsDeterministic(t *testing.T) {
	opts := Options{IndexOptions: IndexOptions{MaxCoursesPerTerm: 3, TargetFillRatio: 0.5}, Weights: DefaultWeights()}

	first, err := Build(mustLoad(t, twoCourseInput()), opts)
	require.NoError(t, err)
	second, err := Build(mustLoad(t, twoCourseInput()), opts)
	require.NoError(t, err)

	assert.Equal(t, first.Index.Keys(), second.Index.Keys())
	assert.Equal(t, first.Model, second.Model)
	for i, key := range first.Index.Keys() {
		v, ok := first.Index.Lookup(key)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestIndexCreatesSectionsOnlyForRequestedCourses(t *testing.T) {
	idx, err := Index(mustLoad(t, twoCourseInput()), IndexOptions{})
	require.NoError(t, err)

	sections := idx.Sections()
	require.Len(t, sections, 2)
	assert.Equal(t, "ALG/T1/1", sections[0].ID)
	assert.Equal(t, "BIO/T1/1", sections[1].ID)
	_, ok := idx.SectionByID("GEO/T1/1")
	assert.False(t, ok)

	assert.Len(t, idx.Placements(), 6)
	assert.Len(t, idx.Enrollments(), 3)
	_, ok = idx.Lookup("assign|s1|BIO/T1/1")
	assert.True(t, ok)
	_, ok = idx.Lookup("place|ALG/T1/1|T1|Monday-Evening|R1|tch")
	assert.True(t, ok)
}

func TestIndexPrunesIncompatiblePlacements(t *testing.T) {
	input := models.CatalogInput{
		Terms: []models.Term{{ID: "T1", Order: 1, Days: []string{"Monday"}}},
		Rooms: []models.Room{
			{ID: "LAB", Capacity: 24, Capabilities: []string{"lab"}},
			{ID: "R1", Capacity: 40},
			{ID: "TINY", Capacity: 2, Capabilities: []string{"lab"}},
		},
		Teachers: []models.Teacher{
			{ID: "tch-a", MaxLoad: 1, Availability: []models.AvailabilitySlot{{TermID: "T1", Block: "Monday-Morning"}}},
			{ID: "tch-b", MaxLoad: 0},
		},
		Courses: []models.Course{
			{ID: "CHEM", MinSize: 5, MaxSize: 24, RequiredSections: 1, RequiredCapability: "lab", EligibleTeachers: []string{"tch-a", "tch-b"}},
		},
	}
	for _, student := range []string{"s1", "s2", "s3", "s4", "s5"} {
		input.Requests = append(input.Requests, request(student, "CHEM", "T1", 1))
	}
	idx, err := Index(mustLoad(t, input), IndexOptions{})
	require.NoError(t, err)

	placements := idx.Placements()
	require.Len(t, placements, 1)
	assert.Equal(t, "LAB", placements[0].RoomID)
	assert.Equal(t, "tch-a", placements[0].TeacherID)
	assert.Equal(t, "Monday-Morning", placements[0].Block)
	assert.Equal(t, "place|CHEM/T1/1|T1|Monday-Morning|LAB|tch-a", idx.Variable(placements[0].Var).Key)
}

func TestIndexDropsUnsatisfiableRequests(t *testing.T) {
	input := twoCourseInput()
	input.Courses[1].RequiredCapability = "lab"
	input.Students = []models.Student{{ID: "s1"}, {ID: "s2", MaxCoursesPerTerm: intPtr(0)}}

	idx, err := Index(mustLoad(t, input), IndexOptions{MaxCoursesPerTerm: 4})
	require.NoError(t, err)

	diags := idx.Diagnostics()
	require.Len(t, diags, 2)
	for _, d := range diags {
		assert.Equal(t, models.DiagnosticUnsatisfiableRequest, d.Code)
	}
	assert.Equal(t, "s2", diags[0].StudentID)
	assert.Equal(t, "ALG", diags[0].CourseID)
	assert.Equal(t, "s1", diags[1].StudentID)
	assert.Equal(t, "BIO", diags[1].CourseID)

	require.Len(t, idx.Sections(), 1)
	require.Len(t, idx.Requests(), 1)
	assert.Equal(t, "s1", idx.Requests()[0].Request.StudentID)
}

func TestIndexDropsUnderEnrolledCourse(t *testing.T) {
	input := models.CatalogInput{
		Terms: []models.Term{{ID: "T1", Order: 1, Days: []string{"Monday"}}},
		Rooms: []models.Room{{ID: "R1", Capacity: 30}, {ID: "R2", Capacity: 30}},
		Teachers: []models.Teacher{
			{ID: "tch-a", MaxLoad: 1},
			{ID: "tch-b", MaxLoad: 1},
		},
		Courses: []models.Course{
			{ID: "ALG", MinSize: 5, MaxSize: 30, RequiredSections: 1, EligibleTeachers: []string{"tch-a"}},
			{ID: "BIO", MinSize: 5, MaxSize: 30, RequiredSections: 1, EligibleTeachers: []string{"tch-b"}},
		},
	}
	for _, student := range []string{"s1", "s2", "s3"} {
		input.Requests = append(input.Requests, request(student, "BIO", "T1", 1))
	}
	for _, student := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		input.Requests = append(input.Requests, request(student, "ALG", "T1", 1))
	}

	idx, err := Index(mustLoad(t, input), IndexOptions{})
	require.NoError(t, err)

	require.Len(t, idx.Sections(), 1)
	assert.Equal(t, "ALG/T1/1", idx.Section(0).ID)
	for _, p := range idx.Placements() {
		assert.Equal(t, 0, p.Section)
	}
	diags := idx.Diagnostics()
	require.Len(t, diags, 3)
	for _, d := range diags {
		assert.Equal(t, models.DiagnosticUnsatisfiableRequest, d.Code)
		assert.Equal(t, "BIO", d.CourseID)
		assert.Contains(t, d.Message, "need at least 5")
	}
	assert.Len(t, idx.Requests(), 6)

	input.Courses[1].MinSize = 0
	input.Courses[1].RequiredSections = 3
	input.Teachers[1].MaxLoad = 3
	idx, err = Index(mustLoad(t, input), IndexOptions{})
	require.NoError(t, err)
	assert.Len(t, idx.Sections(), 4)
	assert.Empty(t, idx.Diagnostics())
}

func TestIndexCapacityErrorBoundary(t *testing.T) {
	input := models.CatalogInput{
		Terms:    []models.Term{{ID: "T1", Order: 1, Days: []string{"Monday"}}},
		Rooms:    []models.Room{{ID: "R1", Capacity: 30}},
		Teachers: []models.Teacher{{ID: "tch", MaxLoad: 2, Availability: []models.AvailabilitySlot{{TermID: "T1", Block: "Monday-Morning"}}}},
		Courses:  []models.Course{{ID: "ALG", MinSize: 1, MaxSize: 30, RequiredSections: 2, EligibleTeachers: []string{"tch"}}},
		Requests: []models.Request{request("s1", "ALG", "T1", 1)},
	}

	_, err := Index(mustLoad(t, input), IndexOptions{})
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, &CapacityError{CourseID: "ALG", TermID: "T1", Required: 2, Available: 1}, capErr)

	input.Courses[0].RequiredSections = 1
	_, err = Index(mustLoad(t, input), IndexOptions{})
	require.NoError(t, err)

	input.Courses[0].RequiredSections = 2
	input.Rooms = append(input.Rooms, models.Room{ID: "R2", Capacity: 30})
	input.Teachers = append(input.Teachers, models.Teacher{ID: "tch-2", MaxLoad: 1, Availability: []models.AvailabilitySlot{{TermID: "T1", Block: "Monday-Morning"}}})
	input.Courses[0].EligibleTeachers = []string{"tch", "tch-2"}
	_, err = Index(mustLoad(t, input), IndexOptions{})
	require.NoError(t, err)
}

func TestIndexAttendanceOnlyForSharedBlocks(t *testing.T) {
	idx, err := Index(mustLoad(t, twoCourseInput()), IndexOptions{})
	require.NoError(t, err)

	attendances := idx.Attendances()
	require.Len(t, attendances, 6)
	for _, a := range attendances {
		assert.Equal(t, "s1", a.StudentID)
	}

	counts := familyCounts(Constraints(idx))
	assert.Equal(t, 6, counts[FamilyStudentLink])
	assert.Equal(t, 3, counts[FamilyStudentConflict])
}

func TestConstraintsFamilies(t *testing.T) {
	input := twoCourseInput()
	input.Teachers[0].MaxLoad = 1
	input.Rooms[0].Capacity = 20

	idx, err := Index(mustLoad(t, input), IndexOptions{MaxCoursesPerTerm: 1})
	require.NoError(t, err)
	rows := Constraints(idx)
	counts := familyCounts(rows)

	assert.Equal(t, 2, counts[FamilySinglePlacement])
	assert.Equal(t, 3, counts[FamilyRoomConflict])
	assert.Equal(t, 3, counts[FamilyTeacherAvailability])
	assert.Equal(t, 1, counts[FamilyTeacherLoad])
	assert.Equal(t, 1, counts[FamilyStudentLoad])
	assert.Equal(t, 4, counts[FamilySectionSize])
	assert.Equal(t, 2, counts[FamilyRoomCapacity])
	assert.Zero(t, counts[FamilyCourseOnce])
	assert.Zero(t, counts[FamilySectionBalance])

	for _, row := range rows {
		if row.Family == FamilySinglePlacement {
			assert.Equal(t, solver.Equal, row.Sense)
			assert.Equal(t, 1, row.RHS)
			assert.Len(t, row.Terms, 3)
		}
		if row.Family == FamilyTeacherLoad {
			assert.Equal(t, 1, row.RHS)
			assert.Len(t, row.Terms, 6)
		}
	}
}

func TestConstraintsCourseOnceForMultiSectionCourses(t *testing.T) {
	input := twoCourseInput()
	input.Courses[0].RequiredSections = 2

	idx, err := Index(mustLoad(t, input), IndexOptions{})
	require.NoError(t, err)
	counts := familyCounts(Constraints(idx))
	assert.Equal(t, 2, counts[FamilyCourseOnce])
	assert.Zero(t, counts[FamilyStudentLoad])
}

func TestSectionBalanceDeviationCounters(t *testing.T) {
	input := twoCourseInput()
	input.Requests = input.Requests[:1]

	idx, err := Index(mustLoad(t, input), IndexOptions{TargetFillRatio: 0.5})
	require.NoError(t, err)
	section := idx.Section(0)
	assert.Equal(t, 15, section.Target)

	over, under := 0, 0
	for _, d := range idx.Deviations() {
		if d.Over {
			over++
		} else {
			under++
		}
	}
	assert.Equal(t, 15, over)
	assert.Equal(t, 15, under)
	assert.Equal(t, 2, familyCounts(Constraints(idx))[FamilySectionBalance])
}

func prerequisiteInput() models.CatalogInput {
	return models.CatalogInput{
		Terms:    []models.Term{{ID: "T1", Order: 1, Days: []string{"Monday"}}, {ID: "T2", Order: 2, Days: []string{"Monday"}}},
		Rooms:    []models.Room{{ID: "R1", Capacity: 30}},
		Teachers: []models.Teacher{{ID: "tch", MaxLoad: 6}},
		Courses: []models.Course{
			{ID: "ALG", MinSize: 1, MaxSize: 30, RequiredSections: 1, EligibleTeachers: []string{"tch"}},
			{ID: "CALC", MinSize: 1, MaxSize: 30, RequiredSections: 1, EligibleTeachers: []string{"tch"}, Prerequisites: []string{"ALG"}},
		},
		Requests: []models.Request{
			request("s1", "ALG", "T2", 1),
			request("s1", "CALC", "T1", 1),
			request("s2", "ALG", "T1", 1),
			request("s2", "CALC", "T2", 1),
		},
	}
}

func TestPrerequisiteOrderSoftAndHard(t *testing.T) {
	soft, err := Index(mustLoad(t, prerequisiteInput()), IndexOptions{})
	require.NoError(t, err)
	links := soft.PrerequisiteLinks()
	require.Len(t, links, 1)
	assert.Equal(t, "s1", links[0].StudentID)
	v, ok := soft.Lookup("prereq|s1|CALC@T1|ALG@T2")
	require.True(t, ok)
	assert.Equal(t, v, links[0].Var)

	objective := Compose(soft, DefaultWeights())
	found := false
	for _, term := range objective.Terms {
		if term.Var == v {
			found = true
			assert.Equal(t, -DefaultWeights().PrerequisitePenalty, term.Weight)
		}
	}
	assert.True(t, found)

	hard, err := Index(mustLoad(t, prerequisiteInput()), IndexOptions{PrerequisiteHard: true})
	require.NoError(t, err)
	require.Len(t, hard.PrerequisiteLinks(), 1)
	assert.Equal(t, -1, hard.PrerequisiteLinks()[0].Var)
	for _, row := range Constraints(hard) {
		if row.Family == FamilyPrerequisiteOrder {
			assert.Len(t, row.Terms, 2)
			assert.Equal(t, 1, row.RHS)
		}
	}
}

func TestComposeWeightsRequests(t *testing.T) {
	idx, err := Index(mustLoad(t, twoCourseInput()), IndexOptions{})
	require.NoError(t, err)

	objective := Compose(idx, Weights{RequestWeight: 50, CoreCourseMultiplier: 2})
	weights := make(map[string]float64)
	for _, term := range objective.Terms {
		weights[idx.Variable(term.Var).Key] = term.Weight
	}
	assert.Equal(t, map[string]float64{
		"assign|s1|ALG/T1/1": 100,
		"assign|s1|BIO/T1/1": 100,
		"assign|s2|ALG/T1/1": 50,
	}, weights)
}

func TestPlanStats(t *testing.T) {
	plan, err := Build(mustLoad(t, twoCourseInput()), Options{Weights: DefaultWeights()})
	require.NoError(t, err)
	stats := plan.Stats()
	assert.Equal(t, 2, stats.Sections)
	assert.Equal(t, plan.Index.Len(), stats.Variables)
	assert.Equal(t, len(plan.Model.Constraints), stats.Constraints)
	assert.Len(t, plan.Model.VarNames, plan.Index.Len())
}
