package exports

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/onboardx/backend/internal/models"
)

// Header is the column layout of an export. Session rows fill the session
// columns, event rows fill the event columns; session_id is shared.
var Header = []string{
	"record", "session_id",
	"user_id", "status", "current_step", "steps_completed", "steps_skipped", "total_steps",
	"started_at", "completed_at", "abandoned_at", "duration_ms",
	"event_id", "step_id", "step_order", "event_type", "timestamp", "time_on_step_ms",
}

// WriteCSV writes sessions then step events and returns the number of data rows.
func WriteCSV(w io.Writer, sessions []models.Session, events []models.StepEvent) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return 0, err
	}
	rows := 0
	for _, s := range sessions {
		rec := []string{
			"session", s.ID,
			s.UserID, string(s.Status), strconv.Itoa(s.CurrentStep), strconv.Itoa(s.StepsCompleted),
			strconv.Itoa(s.StepsSkipped), strconv.Itoa(s.TotalSteps),
			formatTime(&s.StartedAt), formatTime(s.CompletedAt), formatTime(s.AbandonedAt), formatInt(s.DurationMs),
			"", "", "", "", "", "",
		}
		if err := cw.Write(rec); err != nil {
			return rows, err
		}
		rows++
	}
	for _, ev := range events {
		rec := []string{
			"event", ev.SessionID,
			"", "", "", "", "", "",
			"", "", "", "",
			ev.ID, ev.StepID, strconv.Itoa(ev.StepOrder), string(ev.Type), formatTime(&ev.Timestamp), formatInt(ev.TimeOnStepMs),
		}
		if err := cw.Write(rec); err != nil {
			return rows, err
		}
		rows++
	}
	cw.Flush()
	return rows, cw.Error()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
