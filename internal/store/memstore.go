package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/medvoice/pkg/types"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// Data does not survive a restart.
type MemStore struct {
	mu           sync.RWMutex
	calls        map[string]*callRecord
	appointments map[string]Appointment
	callbacks    []CallbackRequest
}

type callRecord struct {
	call       Call
	transcript []types.TranscriptEntry
	summary    *CallSummary
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		calls:        make(map[string]*callRecord),
		appointments: make(map[string]Appointment),
	}
}

// CreateCall implements [CallStore.CreateCall].
func (s *MemStore) CreateCall(_ context.Context, call Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.CallSID] = &callRecord{call: call}
	return nil
}

// AppendTranscriptEntry implements [CallStore.AppendTranscriptEntry].
// Entries for an unknown call create the call record implicitly.
func (s *MemStore) AppendTranscriptEntry(_ context.Context, callSID string, entry types.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callSID]
	if !ok {
		rec = &callRecord{call: Call{CallSID: callSID}}
		s.calls[callSID] = rec
	}
	rec.transcript = append(rec.transcript, entry)
	return nil
}

// EndCall implements [CallStore.EndCall].
func (s *MemStore) EndCall(_ context.Context, callSID string, summary CallSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callSID]
	if !ok {
		return ErrNotFound
	}
	rec.summary = &summary
	return nil
}

// Transcript returns a copy of the transcript recorded for callSID.
func (s *MemStore) Transcript(callSID string) []types.TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[callSID]
	if !ok {
		return nil
	}
	return slices.Clone(rec.transcript)
}

// Summary returns the summary written for callSID, if any.
func (s *MemStore) Summary(callSID string) (CallSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[callSID]
	if !ok || rec.summary == nil {
		return CallSummary{}, false
	}
	return *rec.summary, true
}

// Call returns the call record for callSID.
func (s *MemStore) Call(callSID string) (Call, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[callSID]
	if !ok {
		return Call{}, false
	}
	return rec.call, true
}

// CreateAppointment implements [AppointmentStore.CreateAppointment].
func (s *MemStore) CreateAppointment(_ context.Context, appt Appointment) error {
	if appt.Status == "" {
		appt.Status = StatusConfirmed
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[appt.ConfirmationNumber] = appt
	return nil
}

// AppointmentsForDay implements [AppointmentStore.AppointmentsForDay].
func (s *MemStore) AppointmentsForDay(_ context.Context, day time.Time) ([]Appointment, error) {
	start, end := DayBounds(day)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Appointment{}
	for _, a := range s.appointments {
		if a.Status != StatusConfirmed {
			continue
		}
		if a.Time.Before(start) || !a.Time.Before(end) {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Appointment) int { return a.Time.Compare(b.Time) })
	return out, nil
}

// FindAppointment implements [AppointmentStore.FindAppointment].
func (s *MemStore) FindAppointment(_ context.Context, confirmation string) (Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[confirmation]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return a, nil
}

// CancelAppointment implements [AppointmentStore.CancelAppointment].
func (s *MemStore) CancelAppointment(_ context.Context, confirmation, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[confirmation]
	if !ok {
		return ErrNotFound
	}
	a.Status = StatusCancelled
	a.CancelReason = reason
	s.appointments[confirmation] = a
	return nil
}

// CreateCallbackRequest implements [AppointmentStore.CreateCallbackRequest].
func (s *MemStore) CreateCallbackRequest(_ context.Context, req CallbackRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, req)
	return nil
}

// Callbacks returns a copy of every stored callback request.
func (s *MemStore) Callbacks() []CallbackRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.callbacks)
}
