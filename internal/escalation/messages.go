package escalation

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// message is the human-facing copy of one reminder.
type message struct {
	Title  string
	Body   string
	tag    string
	Urgent bool
}

// Tag collapses repeated reminders of one cycle into a single notification
// on the device. Routine messages ignore cycleStart.
func (m message) Tag(cycleStart string) string {
	if cycleStart == "" {
		return m.tag
	}
	return m.tag + "-" + cycleStart
}

// Payload renders the wire shape with the acknowledgment token. data.value
// is left unset: the engine has no reading to propose.
func (m message) Payload(token, cycleStart string) models.PushPayload {
	return models.PushPayload{
		Title: m.Title,
		Body:  m.Body,
		Tag:   m.Tag(cycleStart),
		Data:  models.PushData{Token: token},
	}
}

func vitalLabel(vitalType string) string {
	if vitalType == "" {
		return "daily log"
	}
	return strings.ReplaceAll(strings.ToLower(vitalType), "_", " ")
}

func routineMessage(vitalType string) message {
	label := vitalLabel(vitalType)
	tag := "routine"
	if vitalType != "" {
		tag += "-" + vitalType
	}
	return message{
		Title: "Time to log your " + label,
		Body:  "Tap to record today's entry. It only takes a moment.",
		tag:   tag,
	}
}

func escalationMessage(b models.Bucket, vitalType string, cycleDay int) message {
	label := vitalLabel(vitalType)
	m := message{tag: "escalation", Urgent: b >= 3}
	switch {
	case b <= 1:
		m.Title = "Don't forget your " + label
		m.Body = "We haven't seen an entry from you today."
	case b == 2:
		m.Title = "Still missing your " + label
		m.Body = "You haven't logged for 2 days. A quick entry keeps your care team informed."
	case b < models.LastBucket:
		m.Title = "Your care team is waiting on your " + label
		m.Body = fmt.Sprintf("It has been %d days without an entry. Please log today.", cycleDay)
	default:
		m.Title = "Please log your " + label + " today"
		m.Body = fmt.Sprintf("It has been %d days without an entry. Your clinician will be asked to follow up.", cycleDay)
	}
	return m
}
