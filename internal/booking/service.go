// Package booking implements appointment scheduling for the clinic: slot
// enumeration, booking, cancellation, rescheduling and staff callback
// requests. Persistence goes through [store.AppointmentStore]; concurrent
// bookings of the same slot are serialised with a [Locker].
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/lang"
)

// Sentinel errors returned by [Service].
var (
	ErrInvalidSlot   = errors.New("booking: invalid slot")
	ErrSlotTaken     = errors.New("booking: slot already taken")
	ErrInvalidPhone  = errors.New("booking: invalid phone number")
	ErrNotFound      = errors.New("booking: appointment not found")
	ErrPhoneMismatch = errors.New("booking: phone number does not match appointment")
)

const (
	// DefaultProvider is the practitioner offered for every slot.
	DefaultProvider = "Dr. Kamal"

	// SlotDuration is the length of one appointment.
	SlotDuration = 30 * time.Minute

	// MaxSlots caps how many slots one availability query returns.
	MaxSlots = 15

	// DefaultDaysToSearch is used when a query does not specify a range.
	DefaultDaysToSearch = 7

	maxDaysToSearch = 31
	defaultLockTTL  = 2 * time.Minute
	lockPrefix      = "medvoice:slot:"

	consentNote = "[consentement non enregistré / consent not recorded: staff review]"
	ramqNote    = "[RAMQ à vérifier / RAMQ format unverified]"
)

const (
	confirmationAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referenceAlphabet    = "0123456789"
)

// Option configures a [Service].
type Option func(*Service)

// WithLocker sets the slot locker. Defaults to an in-process [MemLocker].
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithLocation sets the clinic time zone. Defaults to America/Montreal.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSchedule overrides the opening hours.
func WithSchedule(sch Schedule) Option {
	return func(s *Service) { s.schedule = sch }
}

// WithProvider sets the practitioner name attached to slots.
func WithProvider(name string) Option {
	return func(s *Service) { s.provider = name }
}

// WithLockTTL sets how long a slot stays held while a booking is written.
func WithLockTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// Service is the clinic booking capability. It is safe for concurrent use.
type Service struct {
	store    store.AppointmentStore
	locker   Locker
	loc      *time.Location
	now      func() time.Time
	schedule Schedule
	provider string
	lockTTL  time.Duration
}

// New returns a Service persisting to st.
func New(st store.AppointmentStore, opts ...Option) *Service {
	s := &Service{
		store:    st,
		locker:   &MemLocker{},
		now:      time.Now,
		schedule: DefaultSchedule(),
		provider: DefaultProvider,
		lockTTL:  defaultLockTTL,
	}
	for _, o := range opts {
		o(s)
	}
	if s.loc == nil {
		loc, err := time.LoadLocation("America/Montreal")
		if err != nil {
			slog.Warn("booking: time zone unavailable, using UTC", "err", err)
			loc = time.UTC
		}
		s.loc = loc
	}
	return s
}

// Location returns the clinic time zone.
func (s *Service) Location() *time.Location { return s.loc }

// SlotQuery selects which slots [Service.AvailableSlots] returns.
type SlotQuery struct {
	VisitType     string
	PreferredDate string // YYYY-MM-DD; invalid, empty or past means tomorrow
	DaysToSearch  int
	Language      lang.Language
}

// AvailableSlots returns up to [MaxSlots] free slots starting at the
// preferred date. A failing appointment lookup for one day is logged and the
// day is treated as empty of bookings.
func (s *Service) AvailableSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	now := s.now().In(s.loc)
	start := s.startDate(q.PreferredDate, now)

	days := q.DaysToSearch
	if days <= 0 {
		days = DefaultDaysToSearch
	}
	days = min(days, maxDaysToSearch)

	slots := []Slot{}
	for offset := range days {
		day := start.AddDate(0, 0, offset)
		candidates := s.schedule.daySlots(day, SlotDuration)
		if len(candidates) == 0 {
			continue
		}
		booked := s.bookedOn(ctx, day)
		for _, t := range candidates {
			if !t.After(now) {
				continue
			}
			id := SlotID(t)
			if _, taken := booked[id]; taken {
				continue
			}
			slots = append(slots, s.slot(t, q.Language))
			if len(slots) == MaxSlots {
				return slots, nil
			}
		}
	}
	return slots, nil
}

func (s *Service) startDate(preferred string, now time.Time) time.Time {
	tomorrow := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
	if preferred == "" {
		return tomorrow
	}
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(preferred), s.loc)
	if err != nil {
		slog.Debug("booking: unparsable preferred date, using tomorrow", "preferred_date", preferred)
		return tomorrow
	}
	today := tomorrow.AddDate(0, 0, -1)
	if d.Before(today) {
		return tomorrow
	}
	return d
}

func (s *Service) bookedOn(ctx context.Context, day time.Time) map[string]struct{} {
	booked := map[string]struct{}{}
	appts, err := s.store.AppointmentsForDay(ctx, day)
	if err != nil {
		slog.Error("booking: fetch booked slots", "day", day.Format("2006-01-02"), "err", err)
		return booked
	}
	for _, a := range appts {
		booked[SlotID(a.Time.In(s.loc))] = struct{}{}
	}
	return booked
}

func (s *Service) slot(t time.Time, l lang.Language) Slot {
	return Slot{
		ID:        SlotID(t),
		Time:      t,
		Provider:  s.provider,
		Duration:  SlotDuration,
		Minutes:   int(SlotDuration / time.Minute),
		TimeOfDay: FormatTimeOfDay(t, l),
		Formatted: FormatSlot(t, l),
	}
}

// BookRequest carries everything needed to book one slot.
type BookRequest struct {
	SlotID       string
	PatientName  string
	PatientPhone string
	VisitType    string
	RAMQNumber   string
	ConsentGiven bool
	Notes        string
	Language     lang.Language
	CallSID      string
	BookedVia    string
}

// Book reserves a slot. The slot must lie on the schedule, in the future, and
// be free both in the store and in the locker. A missing consent or an
// unverifiable RAMQ number does not block the booking; both are annotated in
// the notes for staff review.
func (s *Service) Book(ctx context.Context, req BookRequest) (store.Appointment, error) {
	t, err := s.validSlot(req.SlotID)
	if err != nil {
		return store.Appointment{}, err
	}
	if !ValidPhone(req.PatientPhone) {
		return store.Appointment{}, fmt.Errorf("%w: %q", ErrInvalidPhone, req.PatientPhone)
	}
	if strings.TrimSpace(req.PatientName) == "" {
		return store.Appointment{}, errors.New("booking: patient name is required")
	}

	id := SlotID(t)
	if _, taken := s.bookedOn(ctx, t)[id]; taken {
		return store.Appointment{}, ErrSlotTaken
	}
	ok, err := s.locker.Acquire(ctx, lockPrefix+id, s.lockTTL)
	if err != nil {
		return store.Appointment{}, err
	}
	if !ok {
		return store.Appointment{}, ErrSlotTaken
	}

	notes := strings.TrimSpace(req.Notes)
	ramq := ""
	if req.RAMQNumber != "" {
		ramq = NormalizeRAMQ(req.RAMQNumber)
		if !ValidRAMQ(ramq) {
			slog.Warn("booking: RAMQ number has unexpected format", "call_sid", req.CallSID)
			notes = appendNote(notes, ramqNote)
		}
	}
	if !req.ConsentGiven {
		notes = appendNote(notes, consentNote)
	}

	visit := req.VisitType
	if visit == "" {
		visit = "general"
	}
	via := req.BookedVia
	if via == "" {
		via = "ai"
	}
	appt := store.Appointment{
		BookingID:          uuid.NewString(),
		ConfirmationNumber: ConfirmationNumber(),
		SlotID:             id,
		Time:               t,
		PatientName:        strings.TrimSpace(req.PatientName),
		PatientPhone:       NormalizePhone(req.PatientPhone),
		RAMQNumber:         ramq,
		ConsentGiven:       req.ConsentGiven,
		VisitType:          visit,
		Provider:           s.provider,
		Notes:              notes,
		FormattedTime:      FormatSlot(t, req.Language),
		BookedVia:          via,
		CallSID:            req.CallSID,
		Language:           string(req.Language),
		Status:             store.StatusConfirmed,
		CreatedAt:          s.now(),
	}
	if err := s.store.CreateAppointment(ctx, appt); err != nil {
		if rerr := s.locker.Release(ctx, lockPrefix+id); rerr != nil {
			slog.Warn("booking: release slot lock", "slot_id", id, "err", rerr)
		}
		return store.Appointment{}, fmt.Errorf("booking: save appointment: %w", err)
	}
	slog.Info("booking: appointment created",
		"confirmation", appt.ConfirmationNumber,
		"slot_id", id,
		"call_sid", req.CallSID,
		"consent", req.ConsentGiven,
	)
	return appt, nil
}

func (s *Service) validSlot(slotID string) (time.Time, error) {
	t, err := ParseSlotID(slotID, s.loc)
	if err != nil {
		return time.Time{}, err
	}
	if !s.schedule.contains(t, SlotDuration) {
		return time.Time{}, fmt.Errorf("%w: %s is outside clinic hours", ErrInvalidSlot, slotID)
	}
	if !t.After(s.now()) {
		return time.Time{}, fmt.Errorf("%w: %s is in the past", ErrInvalidSlot, slotID)
	}
	return t, nil
}

// Cancel cancels the appointment after checking that phone matches the one
// on file.
func (s *Service) Cancel(ctx context.Context, confirmation, phone, reason string) (store.Appointment, error) {
	appt, err := s.verified(ctx, confirmation, phone)
	if err != nil {
		return store.Appointment{}, err
	}
	if err := s.store.CancelAppointment(ctx, appt.ConfirmationNumber, reason); err != nil {
		return store.Appointment{}, fmt.Errorf("booking: cancel: %w", err)
	}
	if err := s.locker.Release(ctx, lockPrefix+appt.SlotID); err != nil {
		slog.Warn("booking: release slot lock", "slot_id", appt.SlotID, "err", err)
	}
	appt.Status = store.StatusCancelled
	appt.CancelReason = reason
	slog.Info("booking: appointment cancelled", "confirmation", appt.ConfirmationNumber)
	return appt, nil
}

// Reschedule books newSlotID for the patient of an existing appointment and
// cancels the old one. The patient name, RAMQ number, consent and visit type
// carry over. The old appointment stays untouched if the new slot cannot be
// booked.
func (s *Service) Reschedule(ctx context.Context, confirmation, phone, newSlotID string, l lang.Language, callSID string) (store.Appointment, error) {
	old, err := s.verified(ctx, confirmation, phone)
	if err != nil {
		return store.Appointment{}, err
	}
	appt, err := s.Book(ctx, BookRequest{
		SlotID:       newSlotID,
		PatientName:  old.PatientName,
		PatientPhone: old.PatientPhone,
		VisitType:    old.VisitType,
		RAMQNumber:   old.RAMQNumber,
		ConsentGiven: old.ConsentGiven,
		Notes:        old.Notes,
		Language:     l,
		CallSID:      callSID,
		BookedVia:    old.BookedVia,
	})
	if err != nil {
		return store.Appointment{}, err
	}
	reason := "rescheduled to " + appt.ConfirmationNumber
	if _, err := s.Cancel(ctx, old.ConfirmationNumber, old.PatientPhone, reason); err != nil {
		slog.Error("booking: cancel rescheduled appointment", "confirmation", old.ConfirmationNumber, "err", err)
	}
	return appt, nil
}

func (s *Service) verified(ctx context.Context, confirmation, phone string) (store.Appointment, error) {
	confirmation = strings.ToUpper(strings.TrimSpace(confirmation))
	appt, err := s.store.FindAppointment(ctx, confirmation)
	if errors.Is(err, store.ErrNotFound) {
		return store.Appointment{}, fmt.Errorf("%w: %s", ErrNotFound, confirmation)
	}
	if err != nil {
		return store.Appointment{}, fmt.Errorf("booking: find appointment: %w", err)
	}
	if appt.Status == store.StatusCancelled {
		return store.Appointment{}, fmt.Errorf("%w: %s is cancelled", ErrNotFound, confirmation)
	}
	if NormalizePhone(phone) != NormalizePhone(appt.PatientPhone) {
		return store.Appointment{}, ErrPhoneMismatch
	}
	return appt, nil
}

// CallbackInput is a request for staff to phone the patient back.
type CallbackInput struct {
	PatientName   string
	PatientPhone  string
	Reason        string
	PreferredTime string
	Urgency       string
	Language      lang.Language
	CallSID       string
}

// CreateCallback records a callback request and returns it with its CB-
// reference.
func (s *Service) CreateCallback(ctx context.Context, in CallbackInput) (store.CallbackRequest, error) {
	urgency := in.Urgency
	switch urgency {
	case "low", "medium", "high":
	default:
		urgency = "medium"
	}
	req := store.CallbackRequest{
		Reference:     CallbackReference(),
		PatientName:   strings.TrimSpace(in.PatientName),
		PatientPhone:  NormalizePhone(in.PatientPhone),
		Reason:        in.Reason,
		PreferredTime: in.PreferredTime,
		Urgency:       urgency,
		Language:      string(in.Language),
		CallSID:       in.CallSID,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateCallbackRequest(ctx, req); err != nil {
		return store.CallbackRequest{}, fmt.Errorf("booking: save callback: %w", err)
	}
	slog.Info("booking: callback requested", "reference", req.Reference, "urgency", urgency, "call_sid", in.CallSID)
	return req, nil
}

// ConfirmationNumber returns a new "KM-" code with six uppercase
// alphanumerics.
func ConfirmationNumber() string {
	return "KM-" + randomString(confirmationAlphabet, 6)
}

// CallbackReference returns a new "CB-" code with six digits.
func CallbackReference() string {
	return "CB-" + randomString(referenceAlphabet, 6)
}

func randomString(alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

func appendNote(notes, note string) string {
	if strings.Contains(notes, note) {
		return notes
	}
	if notes == "" {
		return note
	}
	return notes + " " + note
}
