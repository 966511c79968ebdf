package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Options{Service: "lendingd", Env: "test", Level: "debug"})
	logger.Debug("accrued", slog.Uint64("market", 3))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env", "market"} {
		if _, ok := record[key]; !ok {
			t.Fatalf("missing %q in %v", key, record)
		}
	}
	if record["severity"] != "DEBUG" || record["message"] != "accrued" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Options{Service: "lendingd", Level: "warn"})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}
}

func TestCredentialsRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Options{Service: "lendingd"})
	logger.Info("config loaded",
		slog.String("hmac_secret", "s3cret"),
		slog.String("event_log_dsn", "postgres://u:p@db/lend"),
		slog.String("auth_token", ""),
		slog.String("market", "7"),
	)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["hmac_secret"] != RedactedValue || record["event_log_dsn"] != RedactedValue {
		t.Fatalf("credentials leaked: %v", record)
	}
	if record["auth_token"] != "" {
		t.Fatalf("empty value rewritten: %v", record["auth_token"])
	}
	if record["market"] != "7" {
		t.Fatalf("ordinary field masked: %v", record["market"])
	}
}
