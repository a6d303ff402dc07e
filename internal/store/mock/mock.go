// Package mock provides a failure-injecting [store.Store] for tests.
//
// Store embeds an in-memory [store.MemStore] so successful calls behave like
// the real thing; setting one of the *Err fields makes the matching method
// fail without touching the underlying data.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/types"
)

// Store is a mock implementation of [store.Store].
type Store struct {
	*store.MemStore

	mu sync.Mutex

	CreateCallErr        error
	AppendErr            error
	EndCallErr           error
	CreateAppointmentErr error
	ForDayErr            error

	appendCalls  int
	endCallCalls int
}

// New returns a Store backed by a fresh MemStore.
func New() *Store {
	return &Store{MemStore: store.NewMemStore()}
}

// CreateCall returns CreateCallErr or delegates.
func (s *Store) CreateCall(ctx context.Context, call store.Call) error {
	s.mu.Lock()
	err := s.CreateCallErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemStore.CreateCall(ctx, call)
}

// AppendTranscriptEntry counts the call and returns AppendErr or delegates.
func (s *Store) AppendTranscriptEntry(ctx context.Context, callSID string, e types.TranscriptEntry) error {
	s.mu.Lock()
	s.appendCalls++
	err := s.AppendErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemStore.AppendTranscriptEntry(ctx, callSID, e)
}

// EndCall counts the call and returns EndCallErr or delegates.
func (s *Store) EndCall(ctx context.Context, callSID string, sum store.CallSummary) error {
	s.mu.Lock()
	s.endCallCalls++
	err := s.EndCallErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemStore.EndCall(ctx, callSID, sum)
}

// CreateAppointment returns CreateAppointmentErr or delegates.
func (s *Store) CreateAppointment(ctx context.Context, a store.Appointment) error {
	s.mu.Lock()
	err := s.CreateAppointmentErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemStore.CreateAppointment(ctx, a)
}

// AppointmentsForDay returns ForDayErr or delegates.
func (s *Store) AppointmentsForDay(ctx context.Context, day time.Time) ([]store.Appointment, error) {
	s.mu.Lock()
	err := s.ForDayErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemStore.AppointmentsForDay(ctx, day)
}

// AppendCallCount returns how many times AppendTranscriptEntry was called.
func (s *Store) AppendCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls
}

// EndCallCount returns how many times EndCall was called.
func (s *Store) EndCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endCallCalls
}

var _ store.Store = (*Store)(nil)
