package ingest

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/geo"
)

// Field limits match the emergency_events column sizes, counted in
// characters.
const (
	maxBuildingLen = 200
	maxFloorLen    = 100
	maxImageRefLen = 500
	maxSourceLen   = 100
)

// ErrValidation is returned when a submission is rejected before anything
// is stored.
var ErrValidation = errors.NewStd("invalid emergency submission")

// Validate checks a submission and returns its canonical type. All problems
// are reported together.
func Validate(s *emergency.Submission) (emergency.Type, error) {
	var problems []string

	t, ok := emergency.ParseType(s.EmergencyType)
	if !ok {
		problems = append(problems, fmt.Sprintf("emergency_type %q is not supported", s.EmergencyType))
	}
	if math.IsNaN(s.Confidence) || math.IsInf(s.Confidence, 0) || s.Confidence < 0 || s.Confidence > 1 {
		problems = append(problems, "confidence must be between 0 and 1")
	}
	if !(geo.Point{Lat: s.Location.Lat, Lon: s.Location.Lon}).Valid() {
		problems = append(problems, "location must have lat in [-90,90] and lon in [-180,180]")
	}
	if strings.TrimSpace(s.ImageURL) == "" {
		problems = append(problems, "image_url is required")
	}
	if strings.TrimSpace(s.Building) == "" {
		problems = append(problems, "building is required")
	}
	for _, f := range []struct {
		name  string
		value string
		max   int
	}{
		{"building", s.Building, maxBuildingLen},
		{"floor", s.Floor, maxFloorLen},
		{"image_url", s.ImageURL, maxImageRefLen},
		{"source", s.Source, maxSourceLen},
	} {
		if utf8.RuneCountInString(strings.TrimSpace(f.value)) > f.max {
			problems = append(problems, fmt.Sprintf("%s must be at most %d characters", f.name, f.max))
		}
	}

	if len(problems) > 0 {
		return "", errors.Newf("%w: %s", ErrValidation, strings.Join(problems, "; ")).
			Component("ingest").
			Category(errors.CategoryValidation).
			Context("problems", problems).
			Build()
	}
	return t, nil
}
