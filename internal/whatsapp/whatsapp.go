// Package whatsapp sends pre-approved WhatsApp template messages to patients.
//
// The Channel owns phone lookup, number canonicalization and outcome mapping;
// the transport behind it is a Sender, either the WhatsApp Cloud API client in
// this package or the Twilio content-template client.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// TemplateKind names the pre-approved message templates.
type TemplateKind string

const (
	TemplateOTP        TemplateKind = "otp"
	TemplateWelcome    TemplateKind = "welcome"
	TemplateEngagement TemplateKind = "engagement"
	TemplateCaseUpdate TemplateKind = "case_update"
)

// TemplateKinds lists every kind a deployment may configure.
var TemplateKinds = []TemplateKind{TemplateOTP, TemplateWelcome, TemplateEngagement, TemplateCaseUpdate}

// Templates maps each kind to its transport-specific identifier: a template
// name for the Cloud API or a content SID for Twilio.
type Templates map[TemplateKind]string

// Sender is a WhatsApp transport.
type Sender interface {
	SendTemplate(ctx context.Context, to, template string, params []string) (messageID string, err error)
	SendText(ctx context.Context, to, body string) (messageID string, err error)
}

// StatusError is a non-2xx answer from the messaging transport.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("whatsapp transport returned status %d", e.Status)
	}
	return fmt.Sprintf("whatsapp transport returned status %d: %s", e.Status, e.Message)
}

// PhoneSource resolves a patient's WhatsApp number.
type PhoneSource interface {
	GetWhatsAppPhone(ctx context.Context, patientID string) (string, error)
}

var nonDigits = regexp.MustCompile(`\D`)

// CanonicalizePhone strips every non-digit character. Numbers shorter than
// six digits are rejected.
func CanonicalizePhone(phone string) (string, error) {
	canonical := nonDigits.ReplaceAllString(phone, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits in %q", models.ErrInvalidPhoneNumber, phone)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("%w: %q is too short", models.ErrInvalidPhoneNumber, canonical)
	}
	return canonical, nil
}

// Channel sends templates by kind with positional parameters.
type Channel struct {
	sender    Sender
	templates Templates
	phones    PhoneSource
}

// NewChannel builds the channel. A nil sender makes the channel unavailable.
func NewChannel(phones PhoneSource, sender Sender, templates Templates) *Channel {
	if sender == nil {
		slog.Info("whatsapp.NewChannel: no transport configured, WhatsApp channel disabled")
	}
	if templates == nil {
		templates = Templates{}
	}
	return &Channel{sender: sender, templates: templates, phones: phones}
}

// Available reports whether a transport is configured.
func (c *Channel) Available() bool {
	return c != nil && c.sender != nil
}

// Send delivers the template of the given kind to a phone number.
func (c *Channel) Send(ctx context.Context, phone string, kind TemplateKind, params ...string) (models.Outcome, string) {
	if !c.Available() {
		return models.OutcomeNotConfigured, "whatsapp channel not configured"
	}
	template := c.templates[kind]
	if template == "" {
		slog.Info("whatsapp.Channel.Send: template not configured", "kind", kind)
		return models.OutcomeNotConfigured, fmt.Sprintf("template %q not configured", kind)
	}
	to, err := CanonicalizePhone(phone)
	if err != nil {
		return models.OutcomeNotConfigured, err.Error()
	}

	id, err := c.sender.SendTemplate(ctx, to, template, params)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			slog.Error("whatsapp.Channel.Send: transport rejected message", "kind", kind, "status", se.Status, "error", se.Message)
		} else {
			slog.Error("whatsapp.Channel.Send: transport error", "kind", kind, "error", err)
		}
		return models.OutcomeTransportError, err.Error()
	}
	slog.Debug("whatsapp.Channel.Send: sent", "kind", kind, "message_id", id)
	return models.OutcomeSent, id
}

// SendToPatient looks up the patient's number and sends the template.
// A patient without a number is channel_not_configured.
func (c *Channel) SendToPatient(ctx context.Context, patientID string, kind TemplateKind, params ...string) (models.Outcome, string) {
	if !c.Available() {
		return models.OutcomeNotConfigured, "whatsapp channel not configured"
	}
	phone, err := c.phones.GetWhatsAppPhone(ctx, patientID)
	if err != nil {
		return models.OutcomeTransportError, fmt.Sprintf("lookup phone: %v", err)
	}
	if phone == "" {
		return models.OutcomeNotConfigured, "no whatsapp number"
	}
	return c.Send(ctx, phone, kind, params...)
}

// SendText sends a free-form text message, for example an OTP fallback
// inside an open customer-service window.
func (c *Channel) SendText(ctx context.Context, phone, body string) (models.Outcome, string) {
	if !c.Available() {
		return models.OutcomeNotConfigured, "whatsapp channel not configured"
	}
	to, err := CanonicalizePhone(phone)
	if err != nil {
		return models.OutcomeNotConfigured, err.Error()
	}
	id, err := c.sender.SendText(ctx, to, body)
	if err != nil {
		slog.Error("whatsapp.Channel.SendText: transport error", "error", err)
		return models.OutcomeTransportError, err.Error()
	}
	return models.OutcomeSent, id
}
