package timetable

import (
	"math"

	"github.com/noah-isme/course-scheduler/internal/catalog"
)

// RoomUtilisation is the share of a term's blocks in which a room hosts a section.
type RoomUtilisation struct {
	RoomID      string  `json:"room_id"`
	TermID      string  `json:"term_id"`
	UsedBlocks  int     `json:"used_blocks"`
	TotalBlocks int     `json:"total_blocks"`
	Percent     float64 `json:"percent"`
}

// CourseSizes lists the enrollment of each placed section of a course in a term.
type CourseSizes struct {
	CourseID string `json:"course_id"`
	TermID   string `json:"term_id"`
	Sizes    []int  `json:"sizes"`
}

// TermSummary aggregates one term.
type TermSummary struct {
	TermID      string  `json:"term_id"`
	Sections    int     `json:"sections"`
	Students    int     `json:"students"`
	Enrollments int     `json:"enrollments"`
	AverageSize float64 `json:"average_size"`
}

// Statistics summarises a decoded schedule.
type Statistics struct {
	RoomUtilisation []RoomUtilisation `json:"room_utilisation"`
	SectionSizes    []CourseSizes     `json:"section_sizes"`
	Terms           []TermSummary     `json:"terms"`
}

func computeStatistics(cat *catalog.Catalog, sections []SectionPlacement) Statistics {
	stats := Statistics{
		RoomUtilisation: []RoomUtilisation{},
		SectionSizes:    []CourseSizes{},
		Terms:           []TermSummary{},
	}

	used := make(map[[2]string]int)
	sizes := make(map[[2]string][]int)
	for _, sec := range sections {
		if !sec.Placed {
			continue
		}
		used[[2]string{sec.RoomID, sec.TermID}]++
		key := [2]string{sec.CourseID, sec.TermID}
		sizes[key] = append(sizes[key], sec.Enrollment())
	}

	for _, room := range cat.Rooms() {
		for _, term := range cat.Terms() {
			total := len(cat.Blocks(term.ID))
			n := used[[2]string{room.ID, term.ID}]
			percent := 0.0
			if total > 0 {
				percent = round2(float64(n) / float64(total) * 100)
			}
			stats.RoomUtilisation = append(stats.RoomUtilisation, RoomUtilisation{
				RoomID: room.ID, TermID: term.ID, UsedBlocks: n, TotalBlocks: total, Percent: percent,
			})
		}
	}

	for _, course := range cat.Courses() {
		for _, term := range cat.Terms() {
			if s, ok := sizes[[2]string{course.ID, term.ID}]; ok {
				stats.SectionSizes = append(stats.SectionSizes, CourseSizes{CourseID: course.ID, TermID: term.ID, Sizes: s})
			}
		}
	}

	for _, term := range cat.Terms() {
		summary := TermSummary{TermID: term.ID}
		students := make(map[string]struct{})
		for _, sec := range sections {
			if !sec.Placed || sec.TermID != term.ID {
				continue
			}
			summary.Sections++
			summary.Enrollments += sec.Enrollment()
			for _, id := range sec.Students {
				students[id] = struct{}{}
			}
		}
		summary.Students = len(students)
		if summary.Sections > 0 {
			summary.AverageSize = round2(float64(summary.Enrollments) / float64(summary.Sections))
		}
		stats.Terms = append(stats.Terms, summary)
	}
	return stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
