package appointments

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionInput is the tagged variant a recurring descriptor resolves to at
// the normalization boundary: either a bare date-like string or a structured
// record carrying its own status and payment state. Downstream code never
// shape-sniffs; it only sees normalized Sessions.
type SessionInput struct {
	Date   string
	Record *SessionRecord
}

// SessionRecord is the structured form of a recurring descriptor.
type SessionRecord struct {
	Date         string              `json:"date"`
	Status       SessionStatus       `json:"status,omitempty"`
	PaymentState SessionPaymentState `json:"payment_state,omitempty"`
}

// UnmarshalJSON accepts either a JSON string or a record object.
func (si *SessionInput) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "\"") {
		return json.Unmarshal(b, &si.Date)
	}
	var rec SessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("appointments: decode session descriptor: %w", err)
	}
	si.Record = &rec
	return nil
}

// MarshalJSON writes the compact form the input arrived in.
func (si SessionInput) MarshalJSON() ([]byte, error) {
	if si.Record != nil {
		return json.Marshal(si.Record)
	}
	return json.Marshal(si.Date)
}

// sessionDateLayouts are tried in order. The first two carry a time
// component, which is preserved verbatim; the bare date layout gets the main
// appointment's clock spliced in.
var sessionDateLayouts = []struct {
	layout  string
	hasTime bool
}{
	{time.RFC3339, true},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02", false},
}

func parseSessionDate(raw string, main time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("appointments: empty session date")
	}
	for _, l := range sessionDateLayouts {
		parsed, err := time.ParseInLocation(l.layout, raw, main.Location())
		if err != nil {
			continue
		}
		if !l.hasTime {
			parsed = time.Date(
				parsed.Year(), parsed.Month(), parsed.Day(),
				main.Hour(), main.Minute(), main.Second(), 0,
				main.Location(),
			)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("appointments: unparseable session date %q", raw)
}

// Normalize converts the main session date plus a heterogeneous recurring
// list into the canonical ordered session sequence. Index 0 is the current
// session built from main; the remainder is the recurring list sorted
// ascending by date, deduplicated by exact parsed instant (first occurrence
// wins). Entries that fail to parse are retained with Invalid set and never
// abort normalization of their siblings. Each session carries an explicit
// per-session price of price/totalSessions.
func Normalize(main time.Time, price decimal.Decimal, totalSessions int, inputs []SessionInput) []Session {
	if totalSessions < 1 {
		totalSessions = 1
	}
	unit := price.Div(decimal.NewFromInt(int64(totalSessions))).Round(2)

	current := Session{
		ID:           uuid.New(),
		ScheduledAt:  main,
		Status:       SessionInProgress,
		PaymentState: SessionNotPaid,
		Price:        unit,
	}

	seen := map[int64]bool{main.UnixNano(): true}
	var valid []Session
	var invalid []Session

	for _, in := range inputs {
		raw := in.Date
		status := SessionInProgress
		payState := SessionNotPaid
		if in.Record != nil {
			raw = in.Record.Date
			if in.Record.Status == SessionCompleted {
				status = SessionCompleted
			}
			switch in.Record.PaymentState {
			case SessionPaid, SessionUnpaid:
				payState = in.Record.PaymentState
			}
		}

		parsed, err := parseSessionDate(raw, main)
		if err != nil {
			invalid = append(invalid, Session{
				ID:           uuid.New(),
				Raw:          raw,
				Status:       status,
				PaymentState: payState,
				Price:        unit,
				Invalid:      true,
			})
			continue
		}
		if seen[parsed.UnixNano()] {
			continue
		}
		seen[parsed.UnixNano()] = true
		valid = append(valid, Session{
			ID:           uuid.New(),
			ScheduledAt:  parsed,
			Status:       status,
			PaymentState: payState,
			Price:        unit,
		})
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].ScheduledAt.Before(valid[j].ScheduledAt)
	})

	out := make([]Session, 0, 1+len(valid)+len(invalid))
	out = append(out, current)
	out = append(out, valid...)
	out = append(out, invalid...)
	return out
}

// InvalidSessionCount reports how many sessions carry the invalid flag, for
// logging at the booking boundary.
func InvalidSessionCount(sessions []Session) int {
	n := 0
	for _, s := range sessions {
		if s.Invalid {
			n++
		}
	}
	return n
}
