package booking_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/medvoice/internal/booking"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/lang"
)

// newService returns a Service whose clock reads Monday 2026-03-09 10:00 in
// the clinic time zone.
func newService(t *testing.T) (*booking.Service, *store.MemStore) {
	t.Helper()
	loc, err := time.LoadLocation("America/Montreal")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, loc)
	st := store.NewMemStore()
	svc := booking.New(st,
		booking.WithLocation(loc),
		booking.WithClock(func() time.Time { return now }),
	)
	return svc, st
}

func TestAvailableSlots_DefaultsToTomorrow(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	slots, err := svc.AvailableSlots(context.Background(), booking.SlotQuery{Language: lang.French})
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if len(slots) != booking.MaxSlots {
		t.Fatalf("len = %d, want %d", len(slots), booking.MaxSlots)
	}
	first := slots[0]
	if first.ID != "202603100900" {
		t.Errorf("first id = %q, want 202603100900", first.ID)
	}
	if first.Formatted != "mardi le 10 mars à 9h" {
		t.Errorf("formatted = %q", first.Formatted)
	}
	if slots[1].TimeOfDay != "9h30" {
		t.Errorf("second time = %q, want 9h30", slots[1].TimeOfDay)
	}
	if first.Provider != booking.DefaultProvider || first.Minutes != 30 {
		t.Errorf("slot = %+v", first)
	}
}

func TestAvailableSlots_InvalidPreferredDate(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	for _, pref := range []string{"next tuesday", "2020-01-01", ""} {
		slots, err := svc.AvailableSlots(context.Background(), booking.SlotQuery{PreferredDate: pref, Language: lang.English})
		if err != nil {
			t.Fatalf("AvailableSlots(%q): %v", pref, err)
		}
		if len(slots) == 0 || slots[0].ID != "202603100900" {
			t.Errorf("AvailableSlots(%q) first = %+v, want tomorrow 9:00", pref, slots)
			continue
		}
		if slots[0].Formatted != "Tuesday, March 10 at 9:00 AM" {
			t.Errorf("english formatted = %q", slots[0].Formatted)
		}
	}
}

func TestAvailableSlots_WeekendIsClosed(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	slots, err := svc.AvailableSlots(context.Background(), booking.SlotQuery{PreferredDate: "2026-03-14", DaysToSearch: 2})
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("weekend slots = %d, want 0", len(slots))
	}
}

func TestAvailableSlots_ExcludesBooked(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Book(ctx, booking.BookRequest{SlotID: "202603100900", PatientName: "Marie Tremblay", PatientPhone: "514-555-1234", ConsentGiven: true}); err != nil {
		t.Fatalf("Book: %v", err)
	}
	slots, err := svc.AvailableSlots(ctx, booking.SlotQuery{})
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if slots[0].ID != "202603100930" {
		t.Errorf("first id = %q, want 202603100930", slots[0].ID)
	}
}

func TestBook(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)
	ctx := context.Background()

	appt, err := svc.Book(ctx, booking.BookRequest{
		SlotID:       "202603101430",
		PatientName:  " Marie Tremblay ",
		PatientPhone: "(514) 555-1234",
		VisitType:    "followup",
		RAMQNumber:   "trem 1234 5678",
		ConsentGiven: true,
		Language:     lang.French,
		CallSID:      "CA1",
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if !strings.HasPrefix(appt.ConfirmationNumber, "KM-") || len(appt.ConfirmationNumber) != 9 {
		t.Errorf("confirmation = %q", appt.ConfirmationNumber)
	}
	if appt.PatientPhone != "+15145551234" || appt.PatientName != "Marie Tremblay" {
		t.Errorf("patient = %q %q", appt.PatientName, appt.PatientPhone)
	}
	if appt.RAMQNumber != "TREM12345678" || appt.Notes != "" {
		t.Errorf("ramq = %q notes = %q", appt.RAMQNumber, appt.Notes)
	}
	if appt.FormattedTime != "mardi le 10 mars à 14h30" {
		t.Errorf("formatted = %q", appt.FormattedTime)
	}
	if _, err := st.FindAppointment(ctx, appt.ConfirmationNumber); err != nil {
		t.Errorf("stored appointment: %v", err)
	}
}

func TestBook_WithoutConsentIsAnnotated(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	appt, err := svc.Book(context.Background(), booking.BookRequest{
		SlotID:       "202603101000",
		PatientName:  "John Smith",
		PatientPhone: "4385551234",
		RAMQNumber:   "12",
		Notes:        "first visit",
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if !strings.HasPrefix(appt.Notes, "first visit") || !strings.Contains(appt.Notes, "staff review") || !strings.Contains(appt.Notes, "RAMQ") {
		t.Errorf("notes = %q", appt.Notes)
	}
}

func TestBook_Rejections(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  booking.BookRequest
		want error
	}{
		{"garbage id", booking.BookRequest{SlotID: "abc", PatientName: "A", PatientPhone: "5145551234"}, booking.ErrInvalidSlot},
		{"weekend", booking.BookRequest{SlotID: "202603141000", PatientName: "A", PatientPhone: "5145551234"}, booking.ErrInvalidSlot},
		{"misaligned", booking.BookRequest{SlotID: "202603100915", PatientName: "A", PatientPhone: "5145551234"}, booking.ErrInvalidSlot},
		{"after hours", booking.BookRequest{SlotID: "202603101800", PatientName: "A", PatientPhone: "5145551234"}, booking.ErrInvalidSlot},
		{"past", booking.BookRequest{SlotID: "202603090900", PatientName: "A", PatientPhone: "5145551234"}, booking.ErrInvalidSlot},
		{"bad phone", booking.BookRequest{SlotID: "202603101000", PatientName: "A", PatientPhone: "555-1234"}, booking.ErrInvalidPhone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Book(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBook_ConcurrentSameSlot(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		taken   int
		otherEr []error
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Book(context.Background(), booking.BookRequest{SlotID: "202603111100", PatientName: "A", PatientPhone: "5145551234", ConsentGiven: true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, booking.ErrSlotTaken):
				taken++
			default:
				otherEr = append(otherEr, err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || taken != n-1 || len(otherEr) != 0 {
		t.Errorf("ok=%d taken=%d other=%v", ok, taken, otherEr)
	}
}

func TestCancelAndReschedule(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)
	ctx := context.Background()

	orig, err := svc.Book(ctx, booking.BookRequest{SlotID: "202603120900", PatientName: "Marie Tremblay", PatientPhone: "514-555-1234", ConsentGiven: true})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	if _, err := svc.Reschedule(ctx, orig.ConfirmationNumber, "438-555-0000", "202603121000", lang.French, "CA2"); !errors.Is(err, booking.ErrPhoneMismatch) {
		t.Errorf("wrong phone: err = %v", err)
	}

	moved, err := svc.Reschedule(ctx, strings.ToLower(orig.ConfirmationNumber), "+1 514 555 1234", "202603121000", lang.French, "CA2")
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if moved.PatientName != "Marie Tremblay" || moved.SlotID != "202603121000" || moved.ConfirmationNumber == orig.ConfirmationNumber {
		t.Errorf("moved = %+v", moved)
	}
	old, _ := st.FindAppointment(ctx, orig.ConfirmationNumber)
	if old.Status != store.StatusCancelled {
		t.Errorf("old status = %q, want cancelled", old.Status)
	}

	if _, err := svc.Cancel(ctx, orig.ConfirmationNumber, "5145551234", ""); !errors.Is(err, booking.ErrNotFound) {
		t.Errorf("cancel twice: err = %v", err)
	}
	if _, err := svc.Cancel(ctx, "KM-NOPE00", "5145551234", ""); !errors.Is(err, booking.ErrNotFound) {
		t.Errorf("cancel unknown: err = %v", err)
	}
	c, err := svc.Cancel(ctx, moved.ConfirmationNumber, "5145551234", "feeling better")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if c.Status != store.StatusCancelled {
		t.Errorf("status = %q", c.Status)
	}
	// The freed slot can be booked again.
	if _, err := svc.Book(ctx, booking.BookRequest{SlotID: "202603121000", PatientName: "B", PatientPhone: "5145559999"}); err != nil {
		t.Errorf("rebook freed slot: %v", err)
	}
}

func TestCreateCallback(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)

	cb, err := svc.CreateCallback(context.Background(), booking.CallbackInput{
		PatientName:  "Marie",
		PatientPhone: "514 555 1234",
		Reason:       "résultats sanguins",
		Urgency:      "urgent!!",
	})
	if err != nil {
		t.Fatalf("CreateCallback: %v", err)
	}
	if !strings.HasPrefix(cb.Reference, "CB-") || len(cb.Reference) != 9 {
		t.Errorf("reference = %q", cb.Reference)
	}
	if cb.Urgency != "medium" || cb.PatientPhone != "+15145551234" {
		t.Errorf("callback = %+v", cb)
	}
	if len(st.Callbacks()) != 1 {
		t.Errorf("stored callbacks = %d", len(st.Callbacks()))
	}
}
