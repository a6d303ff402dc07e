// Package notify sends patient notifications (booking confirmation SMS)
// through Twilio.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/MrWong99/medvoice/internal/booking"
	"github.com/MrWong99/medvoice/internal/prompts"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/lang"
)

// Notifier delivers booking confirmations. Implementations never return an
// error: delivery failures are logged and reported as false so that the
// conversation is never interrupted by a notification problem.
type Notifier interface {
	SendBookingConfirmation(ctx context.Context, appt store.Appointment, l lang.Language) bool
}

// messageCreator is the subset of the Twilio REST API used to send SMS.
type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// SMS sends confirmations as text messages from a Twilio number.
type SMS struct {
	messages messageCreator
	from     string
	clinic   prompts.Clinic
}

var _ Notifier = (*SMS)(nil)

// NewSMS returns an SMS notifier using the given Twilio account.
func NewSMS(accountSID, authToken, from string, clinic prompts.Clinic) (*SMS, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("notify: twilio credentials must not be empty")
	}
	if from == "" {
		return nil, errors.New("notify: sender number must not be empty")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newSMS(client.Api, from, clinic), nil
}

func newSMS(m messageCreator, from string, clinic prompts.Clinic) *SMS {
	return &SMS{messages: m, from: booking.NormalizePhone(from), clinic: clinic.WithDefaults()}
}

// SendBookingConfirmation texts the patient their appointment time and
// confirmation code in l.
func (s *SMS) SendBookingConfirmation(ctx context.Context, appt store.Appointment, l lang.Language) bool {
	to := booking.NormalizePhone(appt.PatientPhone)
	if !booking.ValidPhone(to) {
		slog.Warn("notify: not sending SMS to invalid number", "confirmation", appt.ConfirmationNumber)
		return false
	}
	if err := ctx.Err(); err != nil {
		return false
	}

	when := appt.FormattedTime
	if when == "" {
		when = booking.FormatSlot(appt.Time, l)
	}
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(prompts.BookingSMS(l, s.clinic, appt.PatientName, when, appt.ConfirmationNumber))

	msg, err := s.messages.CreateMessage(params)
	if err != nil {
		slog.Error("notify: send SMS", "confirmation", appt.ConfirmationNumber, "err", err)
		return false
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Info("notify: confirmation SMS sent", "confirmation", appt.ConfirmationNumber, "message_sid", sid)
	return true
}

// Nop is a Notifier that only logs. It is used when SMS is not configured.
type Nop struct{}

var _ Notifier = Nop{}

// SendBookingConfirmation logs and reports false.
func (Nop) SendBookingConfirmation(_ context.Context, appt store.Appointment, _ lang.Language) bool {
	slog.Debug("notify: SMS disabled, skipping confirmation", "confirmation", appt.ConfirmationNumber)
	return false
}
