package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/noah-isme/course-scheduler/internal/timetable"
	appErrors "github.com/noah-isme/course-scheduler/pkg/errors"
	"github.com/noah-isme/course-scheduler/pkg/export"
)

// Export views.
const (
	ViewSections   = "sections"
	ViewStatistics = "statistics"
	ViewStudent    = "student"
	ViewTeacher    = "teacher"
	ViewRoom       = "room"
)

// BuildDataset renders one view of a schedule as a table.
func BuildDataset(schedule *timetable.Schedule, view, entityID string) (export.Dataset, error) {
	switch view {
	case ViewSections:
		return SectionsDataset(schedule), nil
	case ViewStatistics:
		return StatisticsDataset(schedule), nil
	case ViewStudent:
		entries, ok := schedule.TimetableFor(entityID)
		if !ok {
			return export.Dataset{}, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("student %q is not part of this run", entityID))
		}
		d := export.Dataset{Title: "Timetable " + entityID, Headers: []string{"term", "block", "section", "course", "room", "teacher"}}
		for _, e := range entries {
			d.Append(e.TermID, e.Block, e.SectionID, e.CourseID, e.RoomID, e.TeacherID)
		}
		return d, nil
	case ViewTeacher:
		load, ok := schedule.LoadFor(entityID)
		if !ok {
			return export.Dataset{}, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("teacher %q is not part of this run", entityID))
		}
		d := export.Dataset{
			Title:   fmt.Sprintf("Teacher %s (%d of %d sections)", entityID, load.Load(), load.MaxLoad),
			Headers: []string{"section", "course", "term", "block", "room", "enrollment"},
		}
		for _, id := range load.Sections {
			sec, ok := schedule.Section(id)
			if !ok {
				continue
			}
			d.Append(sec.SectionID, sec.CourseID, sec.TermID, sec.Block, sec.RoomID, strconv.Itoa(sec.Enrollment()))
		}
		return d, nil
	case ViewRoom:
		cells, ok := schedule.OccupancyFor(entityID)
		if !ok {
			return export.Dataset{}, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("room %q is not part of this run", entityID))
		}
		d := export.Dataset{Title: "Room " + entityID, Headers: []string{"term", "block", "section", "course", "teacher", "enrollment"}}
		for _, c := range cells {
			enrollment := ""
			if c.SectionID != "" {
				enrollment = strconv.Itoa(c.Enrollment)
			}
			d.Append(c.TermID, c.Block, c.SectionID, c.CourseID, c.TeacherID, enrollment)
		}
		return d, nil
	default:
		return export.Dataset{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown export view %q", view))
	}
}

// SectionsDataset lists every section with its placement and size.
func SectionsDataset(schedule *timetable.Schedule) export.Dataset {
	d := export.Dataset{
		Title:   "Sections",
		Headers: []string{"section", "course", "term", "block", "room", "teacher", "enrollment", "min_size", "max_size", "placed"},
	}
	for _, sec := range schedule.Sections() {
		d.Append(sec.SectionID, sec.CourseID, sec.TermID, sec.Block, sec.RoomID, sec.TeacherID,
			strconv.Itoa(sec.Enrollment()), strconv.Itoa(sec.MinSize), strconv.Itoa(sec.MaxSize), strconv.FormatBool(sec.Placed))
	}
	return d
}

// StatisticsDataset flattens schedule statistics into metric rows.
func StatisticsDataset(schedule *timetable.Schedule) export.Dataset {
	stats := schedule.Statistics()
	d := export.Dataset{Title: "Statistics", Headers: []string{"metric", "term", "entity", "value"}}
	for _, t := range stats.Terms {
		d.Append("term_sections", t.TermID, "", strconv.Itoa(t.Sections))
		d.Append("term_students", t.TermID, "", strconv.Itoa(t.Students))
		d.Append("term_enrollments", t.TermID, "", strconv.Itoa(t.Enrollments))
		d.Append("term_average_size", t.TermID, "", strconv.FormatFloat(t.AverageSize, 'f', 2, 64))
	}
	for _, u := range stats.RoomUtilisation {
		d.Append("room_utilisation_percent", u.TermID, u.RoomID, strconv.FormatFloat(u.Percent, 'f', 2, 64))
	}
	for _, c := range stats.SectionSizes {
		sizes := make([]string, len(c.Sizes))
		for i, n := range c.Sizes {
			sizes[i] = strconv.Itoa(n)
		}
		d.Append("section_sizes", c.TermID, c.CourseID, strings.Join(sizes, ";"))
	}
	return d
}
