package dialogue

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/medvoice/internal/prompts"
	"github.com/MrWong99/medvoice/pkg/lang"
	llmmock "github.com/MrWong99/medvoice/pkg/provider/llm/mock"
	"github.com/MrWong99/medvoice/pkg/types"
)

func TestToolDefinitions(t *testing.T) {
	t.Parallel()

	defs := ToolDefinitions()
	want := map[string][]string{
		ToolGetAvailableSlots:     {"visit_type"},
		ToolBookAppointment:       {"slot_id", "patient_name", "patient_phone"},
		ToolCancelAppointment:     {"confirmation_number", "patient_phone"},
		ToolRescheduleAppointment: {"confirmation_number", "patient_phone", "new_slot_id"},
		ToolTransferToHuman:       {"reason"},
		ToolCreateCallback:        {"patient_name", "patient_phone", "reason"},
	}
	assertEqual(t, "tools", len(defs), len(want))
	for _, d := range defs {
		req, ok := want[d.Name]
		if !ok {
			t.Errorf("unexpected tool %q", d.Name)
			continue
		}
		got := d.Parameters["required"].([]string)
		assertEqual(t, d.Name+" required", strings.Join(got, ","), strings.Join(req, ","))
		if _, err := json.Marshal(d.Parameters); err != nil {
			t.Errorf("%s schema does not encode: %v", d.Name, err)
		}
	}
}

func decodeContent(t *testing.T, res ToolResult) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(res.Content), &m); err != nil {
		t.Fatalf("content %q: %v", res.Content, err)
	}
	return m
}

func TestToolExecutor_Slots(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{})

	res := f.tools.Execute(context.Background(), f.sess, ToolCallRequest{
		Name:      ToolGetAvailableSlots,
		CallID:    "c1",
		Arguments: map[string]any{"visit_type": "general", "days_to_search": float64(2)},
	})
	if !res.OK || res.CallID != "c1" || res.State != StateShowingSlots {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Say, "Voici les prochaines disponibilités") || !strings.Contains(res.Say, "mardi le 14 janvier à 9h") {
		t.Errorf("say = %q", res.Say)
	}
	slots := decodeContent(t, res)["slots"].([]any)
	if len(slots) != 15 {
		t.Errorf("slots = %d, want 15", len(slots))
	}
	first := slots[0].(map[string]any)
	assertEqual(t, "first slot", first["slot_id"], any("202501140900"))
}

func TestToolExecutor_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{})
	ctx := context.Background()

	res := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolBookAppointment, Arguments: map[string]any{"slot_id": "202501151000", "patient_name": " "}})
	assertEqual(t, "ok", res.OK, false)
	if msg := decodeContent(t, res)["error"].(string); !strings.Contains(msg, "patient_name") || !strings.Contains(msg, "patient_phone") {
		t.Errorf("error = %q", msg)
	}

	res = f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: "delete_everything", Arguments: map[string]any{}})
	assertEqual(t, "unknown ok", res.OK, false)

	if _, err := DecodeToolCall(types.ToolCall{Name: ToolCancelAppointment, Arguments: `[1,2]`}); err == nil {
		t.Error("DecodeToolCall accepted a non-object")
	}
	req, err := DecodeToolCall(types.ToolCall{ID: "x", Name: ToolGetAvailableSlots})
	if err != nil || req.Arguments == nil {
		t.Errorf("empty arguments: %+v, %v", req, err)
	}
}

func TestToolExecutor_BookingErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{})
	ctx := context.Background()
	args := func(slot string) map[string]any {
		return map[string]any{"slot_id": slot, "patient_name": "Jean Tremblay", "patient_phone": "5145551234", "visit_type": "general"}
	}

	first := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolBookAppointment, Arguments: args("202501151000")})
	if !first.OK || !first.Booked {
		t.Fatalf("first booking = %+v", first)
	}
	taken := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolBookAppointment, Arguments: args("202501151000")})
	assertEqual(t, "taken error", decodeContent(t, taken)["error"], any("slot_taken"))
	assertEqual(t, "taken state", taken.State, StateConfirmingBooking)

	invalid := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolBookAppointment, Arguments: args("202501181000")})
	assertEqual(t, "weekend error", decodeContent(t, invalid)["error"], any("invalid_slot"))
	f.tools.Wait()
}

func TestToolExecutor_BookingDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{})
	ctx := context.Background()

	res := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolBookAppointment, Arguments: map[string]any{
		"slot_id":       "202501151000",
		"patient_name":  "Jean Tremblay",
		"patient_phone": "5145551234",
		"consent_given": true,
	}})
	if !res.OK || !res.Booked {
		t.Fatalf("booking without visit type = %+v", res)
	}
	content := decodeContent(t, res)
	assertEqual(t, "success", content["success"], any(true))
	if conf, _ := content["confirmation_number"].(string); !strings.HasPrefix(conf, "KM-") {
		t.Errorf("confirmation number = %v", content["confirmation_number"])
	}

	appts, err := f.store.AppointmentsForDay(ctx, time.Date(2025, 1, 15, 0, 0, 0, 0, f.loc))
	if err != nil || len(appts) != 1 {
		t.Fatalf("appointments = %+v, %v", appts, err)
	}
	assertEqual(t, "visit type", appts[0].VisitType, "general")
	assertEqual(t, "notes", appts[0].Notes, "")
	f.tools.Wait()
}

func TestToolExecutor_CancelRescheduleCallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{})
	f.sess.SetLanguage(lang.English)
	ctx := context.Background()

	booked := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolBookAppointment, Arguments: map[string]any{
		"slot_id": "202501151000", "patient_name": "Jean Tremblay", "patient_phone": "514-555-1234", "visit_type": "general", "consent_given": "yes",
	}})
	conf := decodeContent(t, booked)["confirmation_number"].(string)

	moved := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolRescheduleAppointment, Arguments: map[string]any{
		"confirmation_number": conf, "patient_phone": "5145551234", "new_slot_id": "202501161400",
	}})
	if !moved.OK || !moved.Booked || !strings.Contains(moved.Say, "Thursday, January 16 at 2:00 PM") {
		t.Fatalf("reschedule = %+v", moved)
	}
	newConf := decodeContent(t, moved)["confirmation_number"].(string)

	wrong := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolCancelAppointment, Arguments: map[string]any{
		"confirmation_number": newConf, "patient_phone": "4385550000",
	}})
	assertEqual(t, "mismatch", decodeContent(t, wrong)["error"], any("phone_mismatch"))

	cancelled := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolCancelAppointment, Arguments: map[string]any{
		"confirmation_number": newConf, "patient_phone": "5145551234", "reason": "better",
	}})
	if !cancelled.OK || cancelled.Say != prompts.Cancelled(lang.English) {
		t.Errorf("cancel = %+v", cancelled)
	}

	cb := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolCreateCallback, Arguments: map[string]any{
		"patient_name": "Jean", "patient_phone": "5145551234", "reason": "test results", "urgency": "high",
	}})
	ref := decodeContent(t, cb)["reference"].(string)
	if !strings.HasPrefix(ref, "CB-") || cb.Say != prompts.CallbackCreated(lang.English, ref) {
		t.Errorf("callback = %+v", cb)
	}
	if got := f.store.Callbacks(); len(got) != 1 || got[0].Urgency != "high" {
		t.Errorf("stored callbacks = %+v", got)
	}

	f.tools.Wait()
	assertEqual(t, "sms sent", len(f.notifier.Sent()), 2)
}

func TestToolExecutor_TransferAndRefusal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{})
	ctx := context.Background()

	var executed []string
	f.tools.OnExecuted = func(name string, ok bool, _ time.Duration) {
		if ok {
			executed = append(executed, name)
		}
	}

	res := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolTransferToHuman, Arguments: map[string]any{"reason": "complaint"}})
	if !res.Transfer || res.State != StateTransferring || res.Say != prompts.Transfer(lang.French) {
		t.Fatalf("transfer = %+v", res)
	}
	f.sess.setState(res.State)

	refused := f.tools.Execute(ctx, f.sess, ToolCallRequest{Name: ToolGetAvailableSlots, Arguments: map[string]any{"visit_type": "general"}})
	assertEqual(t, "refused ok", refused.OK, false)
	assertEqual(t, "executed", strings.Join(executed, ","), ToolTransferToHuman)
}
