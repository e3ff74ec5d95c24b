package market

import (
	"sort"
	"strings"

	"github.com/esracengel/PetBNB/internal/model"
)

// Project derives the visible list from the loaded collection. Criteria are
// applied in order (pet type exact, location case-insensitive substring,
// start on or after, end on or before) and the survivors are stably sorted
// ascending by the chosen date. items is not modified.
func Project(items []model.ServiceRequest, f model.FilterCriteria, key model.SortKey) []model.ServiceRequest {
	loc := strings.ToLower(f.Location)
	out := make([]model.ServiceRequest, 0, len(items))
	for _, r := range items {
		if f.PetType != "" && r.PetType != f.PetType {
			continue
		}
		if loc != "" && !strings.Contains(strings.ToLower(r.Location), loc) {
			continue
		}
		if !f.StartDate.IsZero() && r.StartDate.Before(f.StartDate) {
			continue
		}
		if !f.EndDate.IsZero() && r.EndDate.After(f.EndDate) {
			continue
		}
		out = append(out, r)
	}

	date := func(r model.ServiceRequest) model.Date { return r.StartDate }
	if key == model.SortByEndDate {
		date = func(r model.ServiceRequest) model.Date { return r.EndDate }
	}
	sort.SliceStable(out, func(i, j int) bool { return date(out[i]).Before(date(out[j])) })
	return out
}
