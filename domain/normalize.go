package domain

import (
	"strings"
	"time"
)

// Undefined marks a field that must not be touched in storage. It is
// distinct from nil, which means "explicitly clear the field".
var Undefined = undefined{}

type undefined struct{}

// Date layouts accepted from the board UI. Zone-less layouts are parsed
// in local time so the entered calendar day never shifts.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// NormalizeDateToCalendarDay reduces a date-like value to a YYYY-MM-DD
// string built from local calendar fields. Absent and unparseable
// inputs yield nil; they are never an error.
func NormalizeDateToCalendarDay(v any) *string {
	switch d := v.(type) {
	case nil:
		return nil
	case time.Time:
		if d.IsZero() {
			return nil
		}
		return calendarDay(d)
	case *time.Time:
		if d == nil || d.IsZero() {
			return nil
		}
		return calendarDay(*d)
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return calendarDay(t)
			}
		}
		return nil
	default:
		return nil
	}
}

func calendarDay(t time.Time) *string {
	s := t.In(time.Local).Format("2006-01-02")
	return &s
}

// MapStatusToCanonical maps free-form status text onto the Status set.
// Unrecognized input maps to StatusTodo; that is the documented
// default, not an error.
func MapStatusToCanonical(v string) Status {
	switch fold(v) {
	case "in progress", "in-progress", "inprogress", "in_progress":
		return StatusInProgress
	case "completed", "complete", "done":
		return StatusCompleted
	default:
		return StatusTodo
	}
}

// MapPriorityToCanonical maps free-form priority text onto the
// Priority set. Unrecognized input maps to PriorityMedium.
func MapPriorityToCanonical(v string) Priority {
	switch fold(v) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical", "urgent":
		return PriorityCritical
	case "medium", "normal":
		return PriorityMedium
	default:
		return PriorityMedium
	}
}

// fold lowercases and collapses runs of whitespace to single spaces.
func fold(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

// SanitizeOptionalText trims the value and returns nil when nothing
// remains.
func SanitizeOptionalText(v string) *string {
	s := strings.TrimSpace(v)
	if s == "" {
		return nil
	}
	return &s
}

// DropUndefinedFields returns a shallow copy of record without the
// keys marked Undefined. Keys holding nil survive: nil clears a
// column, Undefined leaves it alone.
func DropUndefinedFields(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		if _, skip := v.(undefined); skip {
			continue
		}
		out[k] = v
	}
	return out
}

// CheckRequiredFields reports the required keys that are absent, nil,
// Undefined, or blank strings. It never rejects the record itself;
// callers decide what to do with the result.
func CheckRequiredFields(record map[string]any, required []string) []string {
	var missing []string
	for _, k := range required {
		v, ok := record[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		switch t := v.(type) {
		case nil, undefined:
			missing = append(missing, k)
		case string:
			if strings.TrimSpace(t) == "" {
				missing = append(missing, k)
			}
		}
	}
	return missing
}

// TaskInput carries loosely-typed task fields as they arrive from the
// board UI. Dates are any because the UI sends either strings or
// nothing at all.
type TaskInput struct {
	Title         string
	Description   string
	Status        string
	Priority      string
	StartDate     any
	DueDate       any
	Department    string
	CreatedBy     string
	DocumentLinks []string
}

// BuildCanonicalTask composes the normalization helpers into the full
// canonical form. Every produced field is a valid member of its domain
// or an explicit nil.
func BuildCanonicalTask(in TaskInput) Task {
	dept := strings.TrimSpace(in.Department)
	if dept == "" {
		dept = DefaultDepartment
	}
	links := in.DocumentLinks
	if links == nil {
		links = []string{}
	}
	return Task{
		Title:         strings.TrimSpace(in.Title),
		Description:   SanitizeOptionalText(in.Description),
		Status:        MapStatusToCanonical(in.Status),
		Priority:      MapPriorityToCanonical(in.Priority),
		StartDate:     NormalizeDateToCalendarDay(in.StartDate),
		DueDate:       NormalizeDateToCalendarDay(in.DueDate),
		Department:    dept,
		CreatedBy:     strings.TrimSpace(in.CreatedBy),
		DocumentLinks: links,
	}
}
