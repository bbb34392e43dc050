package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/modoterra/tripwire/pkg/core"
)

func TestRecord(t *testing.T) {
	at := time.Date(2026, 1, 14, 19, 49, 11, 0, time.UTC)
	r := core.ReportResult{
		Title:      "alice - OverflowError",
		Signature:  "overflowerror",
		Path:       "/logs/tk-maya.log",
		IncidentID: 42,
		Created:    true,
		Attached:   true,
		At:         at,
	}

	rec, err := Record("incidents", r)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Topic != "incidents" || string(rec.Key) != r.Title {
		t.Errorf("unexpected record routing: topic %q key %q", rec.Topic, rec.Key)
	}
	if len(rec.Headers) != 1 || string(rec.Headers[0].Value) != "overflowerror" {
		t.Errorf("unexpected headers: %+v", rec.Headers)
	}
	if !rec.Timestamp.Equal(at) {
		t.Errorf("timestamp %s", rec.Timestamp)
	}

	var got core.ReportResult
	if err := json.Unmarshal(rec.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.IncidentID != 42 || !got.Attached {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	if _, err := NewKafka(nil, ""); err == nil {
		t.Error("expected error without brokers")
	}
}
