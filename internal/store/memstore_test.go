package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/types"
)

func TestMemStore_TranscriptOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.CreateCall(ctx, store.Call{CallSID: "CA1", Caller: "+15145550000"}); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	for _, text := range []string{"bonjour", "je veux un rendez-vous", "merci"} {
		if err := s.AppendTranscriptEntry(ctx, "CA1", types.TranscriptEntry{Speaker: types.SpeakerCaller, Text: text}); err != nil {
			t.Fatalf("AppendTranscriptEntry: %v", err)
		}
	}
	got := s.Transcript("CA1")
	if len(got) != 3 || got[0].Text != "bonjour" || got[2].Text != "merci" {
		t.Errorf("transcript = %+v", got)
	}
}

func TestMemStore_EndCall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.EndCall(ctx, "missing", store.CallSummary{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("EndCall unknown: err = %v, want ErrNotFound", err)
	}
	_ = s.CreateCall(ctx, store.Call{CallSID: "CA2"})
	if err := s.EndCall(ctx, "CA2", store.CallSummary{Outcome: "completed", BookingMade: true}); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	sum, ok := s.Summary("CA2")
	if !ok || sum.Outcome != "completed" || !sum.BookingMade {
		t.Errorf("summary = %+v, %v", sum, ok)
	}
}

func TestMemStore_AppointmentsForDay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	loc, err := time.LoadLocation("America/Montreal")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s := store.NewMemStore()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, loc)
	_ = s.CreateAppointment(ctx, store.Appointment{ConfirmationNumber: "KM-B", Time: day.Add(14 * time.Hour)})
	_ = s.CreateAppointment(ctx, store.Appointment{ConfirmationNumber: "KM-A", Time: day.Add(9 * time.Hour)})
	_ = s.CreateAppointment(ctx, store.Appointment{ConfirmationNumber: "KM-C", Time: day.AddDate(0, 0, 1).Add(9 * time.Hour)})
	_ = s.CreateAppointment(ctx, store.Appointment{ConfirmationNumber: "KM-D", Time: day.Add(10 * time.Hour)})
	if err := s.CancelAppointment(ctx, "KM-D", "sick"); err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}

	got, err := s.AppointmentsForDay(ctx, day.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("AppointmentsForDay: %v", err)
	}
	if len(got) != 2 || got[0].ConfirmationNumber != "KM-A" || got[1].ConfirmationNumber != "KM-B" {
		t.Errorf("got %+v, want KM-A then KM-B", got)
	}

	d, err := s.FindAppointment(ctx, "KM-D")
	if err != nil {
		t.Fatalf("FindAppointment: %v", err)
	}
	if d.Status != store.StatusCancelled || d.CancelReason != "sick" {
		t.Errorf("cancelled appointment = %+v", d)
	}
	if err := s.CancelAppointment(ctx, "KM-Z", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cancel unknown: err = %v", err)
	}
}

func TestMemStore_Callbacks(t *testing.T) {
	t.Parallel()

	s := store.NewMemStore()
	_ = s.CreateCallbackRequest(context.Background(), store.CallbackRequest{Reference: "CB-123456", Reason: "résultats"})
	cbs := s.Callbacks()
	if len(cbs) != 1 || cbs[0].Reference != "CB-123456" || cbs[0].CreatedAt.IsZero() {
		t.Errorf("callbacks = %+v", cbs)
	}
}

func TestDayBounds(t *testing.T) {
	t.Parallel()

	start, end := store.DayBounds(time.Date(2026, 5, 4, 17, 45, 0, 0, time.UTC))
	if !start.Equal(time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)) || end.Sub(start) != 24*time.Hour {
		t.Errorf("DayBounds = %v, %v", start, end)
	}
}
