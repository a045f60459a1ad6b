package transcript

import (
	"context"
	"log/slog"

	"github.com/voxhall/relay/pkg/errorsx"
	"github.com/voxhall/relay/pkg/logging"
	"github.com/voxhall/relay/pkg/notify"
	"github.com/voxhall/relay/pkg/store"
)

// Writer persists accepted transcripts and fans them out to the realtime
// feed. Write failures are logged and reported but must never terminate
// the owning session.
type Writer struct {
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewWriter(st store.Store, notifier notify.Notifier, logger *slog.Logger) *Writer {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Writer{
		store:    st,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "transcript_writer"),
	}
}

func (w *Writer) Write(ctx context.Context, callID string, role store.Role, text string) error {
	row, err := w.store.InsertTranscript(ctx, callID, role, text)
	if err != nil {
		w.logger.Error("transcript_write_failed",
			slog.String("call_id", callID),
			slog.String("role", string(role)),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonPersistence)
	}
	if err := w.notifier.TranscriptCreated(ctx, row); err != nil {
		w.logger.Warn("transcript_notify_failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
	return nil
}
