// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store] using a single [pgxpool.Pool].
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	_ = s.CreateCall(ctx, store.Call{CallSID: sid})
//	_ = s.AppendTranscriptEntry(ctx, sid, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_sid            TEXT         PRIMARY KEY,
    stream_sid          TEXT         NOT NULL DEFAULT '',
    caller              TEXT         NOT NULL DEFAULT '',
    language            TEXT         NOT NULL DEFAULT 'fr',
    mode                TEXT         NOT NULL DEFAULT 'turn',
    status              TEXT         NOT NULL DEFAULT 'active',
    outcome             TEXT         NOT NULL DEFAULT '',
    started_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at            TIMESTAMPTZ,
    duration_ms         BIGINT       NOT NULL DEFAULT 0,
    booking_made        BOOLEAN      NOT NULL DEFAULT false,
    transferred         BOOLEAN      NOT NULL DEFAULT false,
    emergency           BOOLEAN      NOT NULL DEFAULT false,
    caller_utterances   INTEGER      NOT NULL DEFAULT 0,
    replies             INTEGER      NOT NULL DEFAULT 0,
    input_tokens        INTEGER      NOT NULL DEFAULT 0,
    output_tokens       INTEGER      NOT NULL DEFAULT 0,
    synth_chars         INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls (started_at);

CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    call_sid    TEXT         NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    language    TEXT         NOT NULL DEFAULT '',
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_call
    ON transcript_entries (call_sid, id);
`

const ddlAppointments = `
CREATE TABLE IF NOT EXISTS appointments (
    confirmation_number  TEXT         PRIMARY KEY,
    booking_id           TEXT         NOT NULL,
    slot_id              TEXT         NOT NULL,
    appointment_time     TIMESTAMPTZ  NOT NULL,
    patient_name         TEXT         NOT NULL,
    patient_phone        TEXT         NOT NULL,
    ramq_number          TEXT         NOT NULL DEFAULT '',
    consent_given        BOOLEAN      NOT NULL DEFAULT false,
    visit_type           TEXT         NOT NULL DEFAULT 'general',
    provider             TEXT         NOT NULL DEFAULT '',
    notes                TEXT         NOT NULL DEFAULT '',
    formatted_time       TEXT         NOT NULL DEFAULT '',
    booked_via           TEXT         NOT NULL DEFAULT 'ai',
    call_sid             TEXT         NOT NULL DEFAULT '',
    language             TEXT         NOT NULL DEFAULT 'fr',
    status               TEXT         NOT NULL DEFAULT 'confirmed',
    cancel_reason        TEXT         NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    cancelled_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_appointments_time_status
    ON appointments (appointment_time, status);

CREATE TABLE IF NOT EXISTS callback_requests (
    reference       TEXT         PRIMARY KEY,
    patient_name    TEXT         NOT NULL,
    patient_phone   TEXT         NOT NULL,
    reason          TEXT         NOT NULL,
    preferred_time  TEXT         NOT NULL DEFAULT '',
    urgency         TEXT         NOT NULL DEFAULT 'medium',
    language        TEXT         NOT NULL DEFAULT 'fr',
    call_sid        TEXT         NOT NULL DEFAULT '',
    status          TEXT         NOT NULL DEFAULT 'pending',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates all required tables and indexes. It is idempotent and safe
// to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCalls, ddlAppointments} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
