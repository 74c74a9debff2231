package worker

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventTime decodes the timestamp shapes the billing topics carry. The
// live producers emit RFC3339, but replayed batches drop the zone and
// vary between second, millisecond and microsecond precision.
type EventTime time.Time

// Zone-less form; the trailing nines make the fraction optional
const zonelessLayout = "2006-01-02T15:04:05.999999999"

func (t *EventTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*t = EventTime(parsed)
		return nil
	}
	parsed, err := time.Parse(zonelessLayout, s)
	if err != nil {
		return fmt.Errorf("event time %q: %w", s, err)
	}
	*t = EventTime(parsed)
	return nil
}

func (t EventTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(time.RFC3339))
}
