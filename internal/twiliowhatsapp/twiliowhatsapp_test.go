package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
)

type fakeAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestSendTemplateUsesContentVariables(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(api, "+14155238886")

	sid, err := c.SendTemplate(context.Background(), "15551234567", "HXabc", []string{"blood pressure", "3"})
	if err != nil {
		t.Fatalf("SendTemplate failed: %v", err)
	}
	if sid != "SM123" {
		t.Errorf("sid = %q", sid)
	}
	p := api.params[0]
	if *p.To != "whatsapp:+15551234567" || *p.From != "whatsapp:+14155238886" {
		t.Errorf("to/from = %q/%q", *p.To, *p.From)
	}
	if *p.ContentSid != "HXabc" {
		t.Errorf("ContentSid = %q", *p.ContentSid)
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(*p.ContentVariables), &vars); err != nil {
		t.Fatalf("content variables not JSON: %v", err)
	}
	if vars["1"] != "blood pressure" || vars["2"] != "3" {
		t.Errorf("content variables = %v", vars)
	}
	if p.Body != nil {
		t.Error("template send must not set a body")
	}
}

func TestSendTextUsesBody(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(api, "whatsapp:+14155238886")
	if _, err := c.SendText(context.Background(), "15551234567", "hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if *api.params[0].Body != "hello" || *api.params[0].From != "whatsapp:+14155238886" {
		t.Errorf("unexpected params: body=%q from=%q", *api.params[0].Body, *api.params[0].From)
	}
}

func TestRestErrorBecomesStatusError(t *testing.T) {
	api := &fakeAPI{err: &twilioclient.TwilioRestError{Status: 400, Code: 63016, Message: "outside the allowed window"}}
	c := newClient(api, "+14155238886")
	_, err := c.SendTemplate(context.Background(), "15551234567", "HXabc", nil)
	var se *whatsapp.StatusError
	if !errors.As(err, &se) || se.Status != 400 {
		t.Fatalf("expected StatusError 400, got %v", err)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(WithAccountSID("AC1")); err == nil {
		t.Error("expected error without auth token")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without sender number")
	}
}

func TestParseContentSIDs(t *testing.T) {
	got, err := ParseContentSIDs("engagement=HX1, otp=HX2")
	if err != nil {
		t.Fatalf("ParseContentSIDs failed: %v", err)
	}
	if got[whatsapp.TemplateEngagement] != "HX1" || got[whatsapp.TemplateOTP] != "HX2" {
		t.Errorf("unexpected templates: %v", got)
	}
	if _, err := ParseContentSIDs("bogus=HX1"); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := ParseContentSIDs("engagement"); err == nil {
		t.Error("expected error for malformed entry")
	}
	if empty, err := ParseContentSIDs(""); err != nil || len(empty) != 0 {
		t.Errorf("empty input = (%v, %v)", empty, err)
	}
}

func TestMockClientWithChannel(t *testing.T) {
	mock := NewMockClient()
	ch := whatsapp.NewChannel(nil, mock, whatsapp.Templates{whatsapp.TemplateWelcome: "HXwelcome"})
	out, _ := ch.Send(context.Background(), "+1 555 123 4567", whatsapp.TemplateWelcome, "Ada")
	if out != "sent" {
		t.Fatalf("outcome = %s", out)
	}
	if len(mock.Sent) != 1 || mock.Sent[0].To != "15551234567" || mock.Sent[0].Params[0] != "Ada" {
		t.Errorf("unexpected mock sends: %+v", mock.Sent)
	}
}
