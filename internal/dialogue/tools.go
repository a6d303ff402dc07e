package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/medvoice/internal/booking"
	"github.com/MrWong99/medvoice/internal/notify"
	"github.com/MrWong99/medvoice/internal/prompts"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/lang"
	"github.com/MrWong99/medvoice/pkg/types"
)

// Tool names.
const (
	ToolGetAvailableSlots     = "get_available_slots"
	ToolBookAppointment       = "book_appointment"
	ToolCancelAppointment     = "cancel_appointment"
	ToolRescheduleAppointment = "reschedule_appointment"
	ToolTransferToHuman       = "transfer_to_human"
	ToolCreateCallback        = "create_callback_request"
)

// ToolCallRequest is a decoded tool invocation, whether it came from the
// model's native tool calling or was parsed out of generated text.
type ToolCallRequest struct {
	Name      string
	Arguments map[string]any
	CallID    string

	// RawSource is the text the call was parsed from. Empty for native calls.
	RawSource string
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	CallID string
	Name   string

	// Content is the JSON document returned to the model.
	Content string

	// Say, when non-empty, is spoken to the caller verbatim.
	Say string

	OK bool

	// State is the conversation state the call should move to, or "".
	State State

	Booked   bool
	Transfer bool
}

// ErrMalformedToolCall is returned by [DecodeToolCall] when the arguments are
// not a JSON object.
var ErrMalformedToolCall = errors.New("dialogue: malformed tool call arguments")

// DecodeToolCall converts a native tool call into a request.
func DecodeToolCall(tc types.ToolCall) (ToolCallRequest, error) {
	req := ToolCallRequest{Name: tc.Name, CallID: tc.ID, Arguments: map[string]any{}}
	if strings.TrimSpace(tc.Arguments) == "" {
		return req, nil
	}
	if err := json.Unmarshal([]byte(tc.Arguments), &req.Arguments); err != nil {
		return req, fmt.Errorf("%w: %s: %v", ErrMalformedToolCall, tc.Name, err)
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}
	return req, nil
}

var visitTypes = []string{"general", "followup", "vaccination"}

// ToolDefinitions returns the booking tools offered to the language model.
func ToolDefinitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name:        ToolGetAvailableSlots,
			Description: "Récupère les créneaux de rendez-vous disponibles. Get available appointment slots.",
			Parameters: object(map[string]any{
				"visit_type":     enum("Type de visite / visit type", visitTypes...),
				"preferred_date": str("Date préférée au format YYYY-MM-DD / preferred date"),
				"days_to_search": map[string]any{"type": "integer", "description": "Nombre de jours à rechercher / days to search", "default": booking.DefaultDaysToSearch},
			}, "visit_type"),
		},
		{
			Name:        ToolBookAppointment,
			Description: "Réserve un rendez-vous pour le patient. Book an appointment for the patient.",
			Parameters: object(map[string]any{
				"slot_id":       str("Identifiant du créneau choisi / chosen slot id"),
				"patient_name":  str("Nom complet du patient / patient full name"),
				"patient_phone": str("Numéro de téléphone du patient / patient phone number"),
				"visit_type":    enum("Type de visite / visit type", visitTypes...),
				"ramq_number":   str("Numéro d'assurance maladie (RAMQ), optionnel / health insurance number"),
				"consent_given": map[string]any{"type": "boolean", "description": "Le patient consent à l'enregistrement de ses informations / patient consent"},
				"notes":         str("Notes additionnelles / additional notes"),
			}, "slot_id", "patient_name", "patient_phone"),
		},
		{
			Name:        ToolCancelAppointment,
			Description: "Annule un rendez-vous existant. Cancel an existing appointment.",
			Parameters: object(map[string]any{
				"confirmation_number": str("Numéro de confirmation / confirmation number"),
				"patient_phone":       str("Téléphone du patient pour vérification / phone for verification"),
				"reason":              str("Raison de l'annulation / cancellation reason"),
			}, "confirmation_number", "patient_phone"),
		},
		{
			Name:        ToolRescheduleAppointment,
			Description: "Déplace un rendez-vous existant vers un nouveau créneau. Move an appointment to a new slot.",
			Parameters: object(map[string]any{
				"confirmation_number": str("Numéro de confirmation / confirmation number"),
				"patient_phone":       str("Téléphone du patient pour vérification / phone for verification"),
				"new_slot_id":         str("Nouveau créneau / new slot id"),
			}, "confirmation_number", "patient_phone", "new_slot_id"),
		},
		{
			Name:        ToolTransferToHuman,
			Description: "Transfère l'appel à un membre du personnel. Transfer the call to a staff member.",
			Parameters: object(map[string]any{
				"reason": enum("Raison du transfert / transfer reason", "patient_request", "complex_request", "emergency", "complaint"),
				"notes":  str("Notes pour le personnel / notes for staff"),
			}, "reason"),
		},
		{
			Name:        ToolCreateCallback,
			Description: "Crée une demande de rappel par le personnel. Create a staff callback request.",
			Parameters: object(map[string]any{
				"patient_name":   str("Nom du patient / patient name"),
				"patient_phone":  str("Numéro de téléphone / phone number"),
				"reason":         str("Raison du rappel / callback reason"),
				"preferred_time": str("Moment préféré pour le rappel / preferred time"),
				"urgency":        enum("Urgence / urgency", "low", "medium", "high"),
			}, "patient_name", "patient_phone", "reason"),
		},
	}
}

func object(props map[string]any, required ...string) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func enum(desc string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": desc, "enum": values}
}

// requiredArgs maps each tool to its required argument names.
var requiredArgs = func() map[string][]string {
	m := map[string][]string{}
	for _, def := range ToolDefinitions() {
		req, _ := def.Parameters["required"].([]string)
		m[def.Name] = req
	}
	return m
}()

// Booker is the booking capability the tools dispatch to. *booking.Service
// implements it.
type Booker interface {
	AvailableSlots(ctx context.Context, q booking.SlotQuery) ([]booking.Slot, error)
	Book(ctx context.Context, req booking.BookRequest) (store.Appointment, error)
	Cancel(ctx context.Context, confirmation, phone, reason string) (store.Appointment, error)
	Reschedule(ctx context.Context, confirmation, phone, newSlotID string, l lang.Language, callSID string) (store.Appointment, error)
	CreateCallback(ctx context.Context, in booking.CallbackInput) (store.CallbackRequest, error)
}

var _ Booker = (*booking.Service)(nil)

// ToolExecutor runs tool calls against the booking capability. It never
// mutates the session; state changes are reported in the [ToolResult] for the
// caller to apply.
type ToolExecutor struct {
	booker   Booker
	notifier notify.Notifier
	via      string

	// OnExecuted, if set, is called after every tool execution with the
	// time the tool took.
	OnExecuted func(name string, ok bool, elapsed time.Duration)

	wg sync.WaitGroup
}

// NewToolExecutor returns an executor. A nil notifier disables SMS.
// bookedVia is recorded on every appointment ("phone_ai", "duplex_ai").
func NewToolExecutor(b Booker, n notify.Notifier, bookedVia string) *ToolExecutor {
	if n == nil {
		n = notify.Nop{}
	}
	if bookedVia == "" {
		bookedVia = "phone_ai"
	}
	return &ToolExecutor{booker: b, notifier: n, via: bookedVia}
}

// Wait blocks until background notifications have finished.
func (x *ToolExecutor) Wait() { x.wg.Wait() }

// Execute validates and runs req on behalf of sess.
func (x *ToolExecutor) Execute(ctx context.Context, sess *CallSession, req ToolCallRequest) ToolResult {
	start := time.Now()
	res := x.execute(ctx, sess, req)
	res.CallID, res.Name = req.CallID, req.Name
	if x.OnExecuted != nil {
		x.OnExecuted(req.Name, res.OK, time.Since(start))
	}
	return res
}

func (x *ToolExecutor) execute(ctx context.Context, sess *CallSession, req ToolCallRequest) ToolResult {
	log := slog.With("call_sid", sess.CallSID, "tool", req.Name, "tool_call_id", req.CallID)

	if !sess.toolsAllowed() {
		log.Warn("dialogue: tool refused, session no longer accepts tool calls")
		return failure("tool execution is disabled for this call")
	}
	required, known := requiredArgs[req.Name]
	if !known {
		log.Warn("dialogue: unknown tool")
		return failure("unknown tool " + req.Name)
	}
	if missing := missingArgs(req.Arguments, required); len(missing) > 0 {
		log.Warn("dialogue: tool call missing required arguments", "missing", missing)
		return failure("missing required arguments: " + strings.Join(missing, ", "))
	}

	l := sess.Language()
	args := req.Arguments
	switch req.Name {
	case ToolGetAvailableSlots:
		return x.slots(ctx, l, args)
	case ToolBookAppointment:
		return x.book(ctx, log, sess, l, args)
	case ToolCancelAppointment:
		appt, err := x.booker.Cancel(ctx, stringArg(args, "confirmation_number"), stringArg(args, "patient_phone"), stringArg(args, "reason"))
		if err != nil {
			log.Info("dialogue: cancel failed", "err", err)
			return failure(bookingError(err))
		}
		return ToolResult{
			OK:      true,
			Say:     prompts.Cancelled(l),
			Content: encode(map[string]any{"success": true, "confirmation_number": appt.ConfirmationNumber, "status": appt.Status}),
		}
	case ToolRescheduleAppointment:
		appt, err := x.booker.Reschedule(ctx, stringArg(args, "confirmation_number"), stringArg(args, "patient_phone"), stringArg(args, "new_slot_id"), l, sess.CallSID)
		if err != nil {
			log.Info("dialogue: reschedule failed", "err", err)
			return failure(bookingError(err))
		}
		x.notify(ctx, appt, l)
		return ToolResult{
			OK:      true,
			Booked:  true,
			State:   StateEnding,
			Say:     prompts.Rescheduled(l, appt.FormattedTime, appt.ConfirmationNumber),
			Content: encode(map[string]any{"success": true, "confirmation_number": appt.ConfirmationNumber, "formatted_datetime": appt.FormattedTime}),
		}
	case ToolTransferToHuman:
		log.Info("dialogue: transfer requested by model", "reason", stringArg(args, "reason"), "notes", stringArg(args, "notes"))
		return ToolResult{
			OK:       true,
			Transfer: true,
			State:    StateTransferring,
			Say:      prompts.Transfer(l),
			Content:  encode(map[string]any{"success": true, "transferring": true}),
		}
	case ToolCreateCallback:
		cb, err := x.booker.CreateCallback(ctx, booking.CallbackInput{
			PatientName:   stringArg(args, "patient_name"),
			PatientPhone:  stringArg(args, "patient_phone"),
			Reason:        stringArg(args, "reason"),
			PreferredTime: stringArg(args, "preferred_time"),
			Urgency:       stringArg(args, "urgency"),
			Language:      l,
			CallSID:       sess.CallSID,
		})
		if err != nil {
			log.Error("dialogue: create callback", "err", err)
			return failure("callback_failed")
		}
		return ToolResult{
			OK:      true,
			Say:     prompts.CallbackCreated(l, cb.Reference),
			Content: encode(map[string]any{"success": true, "reference": cb.Reference}),
		}
	}
	return failure("unknown tool " + req.Name)
}

func (x *ToolExecutor) slots(ctx context.Context, l lang.Language, args map[string]any) ToolResult {
	slots, err := x.booker.AvailableSlots(ctx, booking.SlotQuery{
		VisitType:     stringArg(args, "visit_type"),
		PreferredDate: stringArg(args, "preferred_date"),
		DaysToSearch:  intArg(args, "days_to_search", booking.DefaultDaysToSearch),
		Language:      l,
	})
	if err != nil {
		return failure("slot_lookup_failed")
	}
	formatted := make([]string, 0, 3)
	list := make([]map[string]string, 0, len(slots))
	for i, s := range slots {
		if i < 3 {
			formatted = append(formatted, s.Formatted)
		}
		list = append(list, map[string]string{"slot_id": s.ID, "formatted_datetime": s.Formatted})
	}
	return ToolResult{
		OK:      true,
		State:   StateShowingSlots,
		Say:     prompts.SlotsForSpeech(l, formatted),
		Content: encode(map[string]any{"success": true, "slots": list, "already_read_to_caller": len(formatted)}),
	}
}

func (x *ToolExecutor) book(ctx context.Context, log *slog.Logger, sess *CallSession, l lang.Language, args map[string]any) ToolResult {
	appt, err := x.booker.Book(ctx, booking.BookRequest{
		SlotID:       stringArg(args, "slot_id"),
		PatientName:  stringArg(args, "patient_name"),
		PatientPhone: stringArg(args, "patient_phone"),
		VisitType:    stringArg(args, "visit_type"),
		RAMQNumber:   stringArg(args, "ramq_number"),
		ConsentGiven: boolArg(args, "consent_given"),
		Notes:        stringArg(args, "notes"),
		Language:     l,
		CallSID:      sess.CallSID,
		BookedVia:    x.via,
	})
	if err != nil {
		log.Info("dialogue: booking failed", "err", err)
		res := failure(bookingError(err))
		res.State = StateConfirmingBooking
		return res
	}
	x.notify(ctx, appt, l)
	return ToolResult{
		OK:     true,
		Booked: true,
		State:  StateEnding,
		Say:    prompts.BookingConfirmation(l, appt.PatientName, appt.FormattedTime, appt.ConfirmationNumber),
		Content: encode(map[string]any{
			"success":             true,
			"confirmation_number": appt.ConfirmationNumber,
			"formatted_datetime":  appt.FormattedTime,
		}),
	}
}

// notify sends the confirmation SMS in the background. Delivery problems are
// logged by the notifier and never reach the conversation.
func (x *ToolExecutor) notify(ctx context.Context, appt store.Appointment, l lang.Language) {
	ctx = context.WithoutCancel(ctx)
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		x.notifier.SendBookingConfirmation(ctx, appt, l)
	}()
}

func bookingError(err error) string {
	switch {
	case errors.Is(err, booking.ErrSlotTaken):
		return "slot_taken"
	case errors.Is(err, booking.ErrInvalidSlot):
		return "invalid_slot"
	case errors.Is(err, booking.ErrInvalidPhone):
		return "invalid_phone"
	case errors.Is(err, booking.ErrNotFound):
		return "appointment_not_found"
	case errors.Is(err, booking.ErrPhoneMismatch):
		return "phone_mismatch"
	default:
		return "booking_failed"
	}
}

func failure(msg string) ToolResult {
	return ToolResult{Content: encode(map[string]any{"success": false, "error": msg})}
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"success":false,"error":"encoding"}`
	}
	return string(b)
}

func missingArgs(args map[string]any, required []string) []string {
	var missing []string
	for _, k := range required {
		v, ok := args[k]
		if !ok || v == nil {
			missing = append(missing, k)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b || strings.EqualFold(strings.TrimSpace(v), "oui") || strings.EqualFold(strings.TrimSpace(v), "yes")
	}
	return false
}
