package fanout

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/k3a/html2text"

	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/geo"
	"github.com/alertai/alertai/internal/notifier"
)

// instructions holds the safety guidance sent with each emergency type.
var instructions = map[emergency.Type]string{
	emergency.Fire:         "Evacuate via the nearest stairwell. Do not use elevators. Stay low if there is smoke.",
	emergency.Smoke:        "Stay low below the smoke, check doors for heat before opening, and move toward the nearest exit.",
	emergency.Gun:          "Run if a safe path exists, otherwise hide, lock and barricade doors and silence your phone. Call emergency services when safe.",
	emergency.Blood:        "Someone may be bleeding. Apply firm pressure with a clean cloth if you can help safely and call emergency services.",
	emergency.FallenPerson: "A person has fallen. Check responsiveness and breathing, do not move them if a spinal injury is possible, and call emergency services.",
	emergency.Medical:      "A medical emergency is in progress. Call emergency services and bring the nearest first-aid kit or AED.",
}

const fallbackInstruction = "Follow the instructions of building staff and call emergency services if you are in danger."

// Instruction returns the safety guidance for t.
func Instruction(t emergency.Type) string {
	if s, ok := instructions[t]; ok {
		return s
	}
	return fallbackInstruction
}

var messageTemplate = template.Must(template.New("alert").Parse(`<h2>{{.DisplayType}} emergency</h2>
<p><strong>{{.DisplayType}}</strong> detected at <strong>{{.Building}}</strong>{{if .Floor}}, {{.Floor}}{{end}}.</p>
{{if .Distance}}<p>You are about {{printf "%.0f" .Distance}} m away.</p>
{{end}}<p>{{.Instruction}}</p>
<p>Detected at {{.DetectedAt}}. <a href="{{.MapsURL}}">Open location in maps</a></p>`))

// templateData is the view model for messageTemplate.
type templateData struct {
	DisplayType string
	Building    string
	Floor       string
	Distance    float64
	Instruction string
	DetectedAt  string
	MapsURL     string
}

// recipient is one target of a fan-out.
type recipient struct {
	ID       string
	Name     string
	Channel  string
	Distance float64
}

// BuildPayload renders the alert for one recipient.
func BuildPayload(event *entities.EmergencyEvent, recipientID, recipientName string, distance float64) (notifier.Payload, error) {
	t := emergency.Type(event.Type)
	point := geo.Point{Lat: event.Lat, Lon: event.Lon}
	display := t.DisplayName()

	p := notifier.Payload{
		EventID:        event.ID,
		Type:           event.Type,
		DisplayType:    display,
		Building:       event.Building,
		Floor:          event.Floor,
		DistanceMeters: geo.Round2(distance),
		Lat:            event.Lat,
		Lon:            event.Lon,
		MapsURL:        geo.MapsURL(point),
		DetectedAt:     event.DetectedAt.UTC(),
		Instruction:    Instruction(t),
		RecipientID:    recipientID,
		RecipientName:  recipientName,
		Title:          fmt.Sprintf("%s emergency at %s", display, event.Building),
	}

	var buf bytes.Buffer
	err := messageTemplate.Execute(&buf, templateData{
		DisplayType: display,
		Building:    event.Building,
		Floor:       event.Floor,
		Distance:    p.DistanceMeters,
		Instruction: p.Instruction,
		DetectedAt:  p.DetectedAt.Format("2006-01-02 15:04:05 MST"),
		MapsURL:     p.MapsURL,
	})
	if err != nil {
		return notifier.Payload{}, fmt.Errorf("failed to render alert message: %w", err)
	}
	p.HTML = buf.String()
	p.Text = strings.TrimSpace(html2text.HTML2Text(p.HTML))
	return p, nil
}
