package workflow

import (
	"math"

	"assessline/internal/config"
	"assessline/internal/domain"
)

// Scope returns the questions an assignment covers. An assignment naming no
// section and no category covers the whole framework.
func Scope(f config.Framework, a domain.AssignedRole) []config.PlacedQuestion {
	if len(a.Sections) == 0 && len(a.Categories) == 0 {
		return f.Questions()
	}
	return f.QuestionsIn(a.Sections, a.Categories)
}

// Coverage is the share of an assignment's questions its role has answered,
// in percent. An empty scope counts as complete.
func Coverage(f config.Framework, responses domain.ResponseMap, a domain.AssignedRole) float64 {
	scope := Scope(f, a)
	if len(scope) == 0 {
		return 100
	}
	answered := 0
	for _, q := range scope {
		if _, ok := responses[q.ID].Values[a.Role]; ok {
			answered++
		}
	}
	return math.Round(float64(answered)/float64(len(scope))*10000) / 100
}

// Covers reports whether an assignment includes a category.
func Covers(a domain.AssignedRole, sectionID, categoryID string) bool {
	if len(a.Sections) == 0 && len(a.Categories) == 0 {
		return true
	}
	for _, s := range a.Sections {
		if s == sectionID {
			return true
		}
	}
	for _, c := range a.Categories {
		if c == categoryID {
			return true
		}
	}
	return false
}
