package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [store.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping checks connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateCall implements [store.CallStore]. Re-creating an existing call
// refreshes its stream identifiers.
func (s *Store) CreateCall(ctx context.Context, call store.Call) error {
	const q = `
		INSERT INTO calls (call_sid, stream_sid, caller, language, mode, status, started_at)
		VALUES ($1, $2, $3, $4, $5, 'active', $6)
		ON CONFLICT (call_sid) DO UPDATE
		    SET stream_sid = EXCLUDED.stream_sid,
		        caller     = EXCLUDED.caller`

	started := call.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		call.CallSID,
		call.StreamSID,
		call.Caller,
		call.Language,
		call.Mode,
		started,
	)
	if err != nil {
		return fmt.Errorf("call store: create call: %w", err)
	}
	return nil
}

// AppendTranscriptEntry implements [store.CallStore].
func (s *Store) AppendTranscriptEntry(ctx context.Context, callSID string, entry types.TranscriptEntry) error {
	const q = `
		INSERT INTO transcript_entries (call_sid, speaker, text, language, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q, callSID, string(entry.Speaker), entry.Text, entry.Language, ts)
	if err != nil {
		return fmt.Errorf("call store: append transcript: %w", err)
	}
	return nil
}

// EndCall implements [store.CallStore].
func (s *Store) EndCall(ctx context.Context, callSID string, sum store.CallSummary) error {
	const q = `
		UPDATE calls
		SET    status = $2, outcome = $3, ended_at = $4, duration_ms = $5,
		       language = $6, booking_made = $7, transferred = $8, emergency = $9,
		       caller_utterances = $10, replies = $11,
		       input_tokens = $12, output_tokens = $13, synth_chars = $14
		WHERE  call_sid = $1`

	status := sum.Status
	if status == "" {
		status = store.CallCompleted
	}
	tag, err := s.pool.Exec(ctx, q,
		callSID,
		status,
		sum.Outcome,
		sum.EndedAt,
		sum.Duration.Milliseconds(),
		sum.Language,
		sum.BookingMade,
		sum.Transferred,
		sum.EmergencyTriggered,
		sum.CallerUtterances,
		sum.Replies,
		sum.InputTokens,
		sum.OutputTokens,
		sum.SynthChars,
	)
	if err != nil {
		return fmt.Errorf("call store: end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateAppointment implements [store.AppointmentStore].
func (s *Store) CreateAppointment(ctx context.Context, a store.Appointment) error {
	const q = `
		INSERT INTO appointments
		    (confirmation_number, booking_id, slot_id, appointment_time, patient_name,
		     patient_phone, ramq_number, consent_given, visit_type, provider, notes,
		     formatted_time, booked_via, call_sid, language, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	status := a.Status
	if status == "" {
		status = store.StatusConfirmed
	}
	_, err := s.pool.Exec(ctx, q,
		a.ConfirmationNumber,
		a.BookingID,
		a.SlotID,
		a.Time,
		a.PatientName,
		a.PatientPhone,
		a.RAMQNumber,
		a.ConsentGiven,
		a.VisitType,
		a.Provider,
		a.Notes,
		a.FormattedTime,
		a.BookedVia,
		a.CallSID,
		a.Language,
		status,
	)
	if err != nil {
		return fmt.Errorf("appointment store: create: %w", err)
	}
	return nil
}

const selectAppointment = `
	SELECT confirmation_number, booking_id, slot_id, appointment_time, patient_name,
	       patient_phone, ramq_number, consent_given, visit_type, provider, notes,
	       formatted_time, booked_via, call_sid, language, status, cancel_reason, created_at
	FROM   appointments`

// AppointmentsForDay implements [store.AppointmentStore].
func (s *Store) AppointmentsForDay(ctx context.Context, day time.Time) ([]store.Appointment, error) {
	start, end := store.DayBounds(day)
	q := selectAppointment + `
	WHERE  appointment_time >= $1 AND appointment_time < $2 AND status = 'confirmed'
	ORDER  BY appointment_time`

	rows, err := s.pool.Query(ctx, q, start, end)
	if err != nil {
		return nil, fmt.Errorf("appointment store: for day: %w", err)
	}
	appts, err := pgx.CollectRows(rows, scanAppointment)
	if err != nil {
		return nil, fmt.Errorf("appointment store: scan rows: %w", err)
	}
	if appts == nil {
		appts = []store.Appointment{}
	}
	return appts, nil
}

// FindAppointment implements [store.AppointmentStore].
func (s *Store) FindAppointment(ctx context.Context, confirmation string) (store.Appointment, error) {
	rows, err := s.pool.Query(ctx, selectAppointment+`
	WHERE  confirmation_number = $1`, confirmation)
	if err != nil {
		return store.Appointment{}, fmt.Errorf("appointment store: find: %w", err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAppointment)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Appointment{}, store.ErrNotFound
	}
	if err != nil {
		return store.Appointment{}, fmt.Errorf("appointment store: find: %w", err)
	}
	return a, nil
}

// CancelAppointment implements [store.AppointmentStore].
func (s *Store) CancelAppointment(ctx context.Context, confirmation, reason string) error {
	const q = `
		UPDATE appointments
		SET    status = 'cancelled', cancel_reason = $2, cancelled_at = now()
		WHERE  confirmation_number = $1`

	tag, err := s.pool.Exec(ctx, q, confirmation, reason)
	if err != nil {
		return fmt.Errorf("appointment store: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateCallbackRequest implements [store.AppointmentStore].
func (s *Store) CreateCallbackRequest(ctx context.Context, r store.CallbackRequest) error {
	const q = `
		INSERT INTO callback_requests
		    (reference, patient_name, patient_phone, reason, preferred_time, urgency, language, call_sid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		r.Reference,
		r.PatientName,
		r.PatientPhone,
		r.Reason,
		r.PreferredTime,
		r.Urgency,
		r.Language,
		r.CallSID,
	)
	if err != nil {
		return fmt.Errorf("appointment store: create callback: %w", err)
	}
	return nil
}

func scanAppointment(row pgx.CollectableRow) (store.Appointment, error) {
	var a store.Appointment
	err := row.Scan(
		&a.ConfirmationNumber,
		&a.BookingID,
		&a.SlotID,
		&a.Time,
		&a.PatientName,
		&a.PatientPhone,
		&a.RAMQNumber,
		&a.ConsentGiven,
		&a.VisitType,
		&a.Provider,
		&a.Notes,
		&a.FormattedTime,
		&a.BookedVia,
		&a.CallSID,
		&a.Language,
		&a.Status,
		&a.CancelReason,
		&a.CreatedAt,
	)
	return a, err
}
