// Package store defines the persistence capability used by the telephony
// gateway, the dialogue orchestrator and the booking service.
//
// Two implementations exist: [MemStore] (in-process, used when no database is
// configured and in tests) and store/postgres (pgx-backed). Both are safe for
// concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/medvoice/pkg/types"
)

// ErrNotFound is returned when a call or appointment does not exist.
var ErrNotFound = errors.New("store: not found")

// Appointment status values.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Call status values.
const (
	CallActive    = "active"
	CallCompleted = "completed"
)

// Call is the record created when a media stream starts.
type Call struct {
	CallSID   string
	StreamSID string
	Caller    string
	Language  string
	Mode      string
	StartedAt time.Time
}

// CallSummary is written once when a call ends.
type CallSummary struct {
	Status             string
	Outcome            string
	EndedAt            time.Time
	Duration           time.Duration
	Language           string
	BookingMade        bool
	Transferred        bool
	EmergencyTriggered bool
	CallerUtterances   int
	Replies            int
	InputTokens        int
	OutputTokens       int
	SynthChars         int
}

// Appointment is a booked visit.
type Appointment struct {
	BookingID          string
	ConfirmationNumber string
	SlotID             string
	Time               time.Time
	PatientName        string
	PatientPhone       string
	RAMQNumber         string
	ConsentGiven       bool
	VisitType          string
	Provider           string
	Notes              string
	FormattedTime      string
	BookedVia          string
	CallSID            string
	Language           string
	Status             string
	CancelReason       string
	CreatedAt          time.Time
}

// CallbackRequest asks staff to phone the patient back.
type CallbackRequest struct {
	Reference     string
	PatientName   string
	PatientPhone  string
	Reason        string
	PreferredTime string
	Urgency       string
	Language      string
	CallSID       string
	CreatedAt     time.Time
}

// CallStore records calls and their transcripts.
type CallStore interface {
	// CreateCall inserts a new active call.
	CreateCall(ctx context.Context, call Call) error

	// AppendTranscriptEntry persists one transcript line for callSID. Entries
	// are stored in the order they are appended.
	AppendTranscriptEntry(ctx context.Context, callSID string, entry types.TranscriptEntry) error

	// EndCall writes the final summary for callSID.
	EndCall(ctx context.Context, callSID string, summary CallSummary) error
}

// AppointmentStore manages appointments and callback requests.
type AppointmentStore interface {
	// CreateAppointment inserts a confirmed appointment.
	CreateAppointment(ctx context.Context, appt Appointment) error

	// AppointmentsForDay returns the confirmed appointments whose time falls
	// on the calendar day of day (in day's location), ordered by time.
	AppointmentsForDay(ctx context.Context, day time.Time) ([]Appointment, error)

	// FindAppointment looks an appointment up by confirmation number.
	// Returns [ErrNotFound] when none exists.
	FindAppointment(ctx context.Context, confirmation string) (Appointment, error)

	// CancelAppointment marks the appointment cancelled with reason.
	// Returns [ErrNotFound] when none exists.
	CancelAppointment(ctx context.Context, confirmation, reason string) error

	// CreateCallbackRequest inserts a pending callback request.
	CreateCallbackRequest(ctx context.Context, req CallbackRequest) error
}

// Store is the full persistence capability.
type Store interface {
	CallStore
	AppointmentStore
}

// DayBounds returns the half-open interval [start, end) covering the calendar
// day of t in t's location.
func DayBounds(t time.Time) (start, end time.Time) {
	start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}
