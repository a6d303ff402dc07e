package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/MrWong99/medvoice/internal/booking"
)

// callUpdater is the subset of the Twilio REST API used to redirect a live
// call.
type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// Transferer hands a live call to clinic staff by replacing its TwiML with a
// <Dial> to the staff line. The media stream ends as a side effect.
type Transferer struct {
	calls callUpdater
	staff string
}

// NewTransferer returns a Transferer dialing staffNumber through the given
// Twilio account.
func NewTransferer(accountSID, authToken, staffNumber string) (*Transferer, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("gateway: twilio credentials must not be empty")
	}
	if staffNumber == "" {
		return nil, errors.New("gateway: transfer number must not be empty")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTransferer(client.Api, staffNumber), nil
}

func newTransferer(c callUpdater, staff string) *Transferer {
	return &Transferer{calls: c, staff: booking.NormalizePhone(staff)}
}

// DialTwiML returns the document that connects the caller to staff.
func (t *Transferer) DialTwiML() (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceDial{Number: t.staff},
	})
}

// Transfer redirects callSID to the staff line.
func (t *Transferer) Transfer(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := t.DialTwiML()
	if err != nil {
		return fmt.Errorf("gateway: build transfer twiml: %w", err)
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := t.calls.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("gateway: transfer call %s: %w", callSID, err)
	}
	slog.Info("gateway: call transferred to staff", "call_sid", callSID)
	return nil
}
