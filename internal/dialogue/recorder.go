package dialogue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/types"
)

const persistTimeout = 5 * time.Second

// recorder appends transcript entries to the call store in creation order.
// Persistence failures are logged and never interrupt the call.
type recorder struct {
	sess  *CallSession
	store store.CallStore

	mu sync.Mutex
}

func newRecorder(sess *CallSession, st store.CallStore) *recorder {
	return &recorder{sess: sess, store: st}
}

func (r *recorder) record(ctx context.Context, speaker types.Speaker, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := types.TranscriptEntry{
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
		Language:  string(r.sess.Language()),
	}
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.AppendTranscriptEntry(ctx, r.sess.CallSID, entry); err != nil {
		slog.Error("dialogue: persist transcript entry", "call_sid", r.sess.CallSID, "speaker", speaker, "err", err)
	}
}
