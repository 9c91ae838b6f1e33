// Package emergency defines the emergency categories and the submission
// wire format shared by detectors and the ingestion gateway.
package emergency

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Type is a canonical emergency category.
type Type string

const (
	Fire         Type = "fire"
	Smoke        Type = "smoke"
	Gun          Type = "gun"
	Blood        Type = "blood"
	FallenPerson Type = "fallen_person"
	Medical      Type = "medical"
)

var types = []Type{Fire, Smoke, Gun, Blood, FallenPerson, Medical}

// displayNames is filled once at init; a cases.Caser is not safe for
// concurrent use.
var displayNames = func() map[Type]string {
	names := make(map[Type]string, len(types))
	for _, t := range types {
		names[t] = titleCase(string(t))
	}
	return names
}()

// Types returns every supported category.
func Types() []Type {
	return slices.Clone(types)
}

// ParseType normalizes s (case-insensitive, spaces or dashes as
// separators) and reports whether it names a supported category.
func ParseType(s string) (Type, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	t := Type(norm)
	return t, slices.Contains(types, t)
}

// Valid reports whether t is a supported category.
func (t Type) Valid() bool {
	return slices.Contains(types, t)
}

// DisplayName renders t for people, e.g. "Fallen Person".
func (t Type) DisplayName() string {
	if name, ok := displayNames[t]; ok {
		return name
	}
	return titleCase(string(t))
}

func titleCase(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Submission is the JSON body a detector posts to the gateway.
type Submission struct {
	EmergencyType string     `json:"emergency_type"`
	Confidence    float64    `json:"confidence"`
	Location      Location   `json:"location"`
	Building      string     `json:"building"`
	Floor         string     `json:"floor_affected,omitempty"`
	ImageURL      string     `json:"image_url"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Source        string     `json:"source,omitempty"`
}

// Acknowledgement is the gateway's answer to a submission.
type Acknowledgement struct {
	EventID      string `json:"event_id"`
	Status       string `json:"status"`
	MatchedUsers int    `json:"matched_users"`
	Rationale    string `json:"rationale,omitempty"`
	Error        string `json:"error,omitempty"`
}
