package session

import (
	"context"
	"testing"
)

func completeRecord() *Record {
	return &Record{
		Version:     RecordVersion,
		ID:          "sess-1",
		Keys:        map[string]KeyRecord{"solana": {Address: "Addr", Secret: "Secret"}},
		ExpiresAtMs: 1_700_000_000_000,
		DurationMs:  3_600_000,
		MaxSpend:    map[string]string{"solana": "100000000"},
		PerTxCap:    map[string]string{"solana": "50000000"},
		Spent:       map[string]string{"solana": "0"},
	}
}

func TestRecordComplete(t *testing.T) {
	if !completeRecord().Complete() {
		t.Fatalf("record should be complete")
	}

	mutations := map[string]func(*Record){
		"nil record":      func(r *Record) { *r = Record{} },
		"wrong version":   func(r *Record) { r.Version = 99 },
		"missing id":      func(r *Record) { r.ID = "" },
		"no keys":         func(r *Record) { r.Keys = nil },
		"empty secret":    func(r *Record) { r.Keys["solana"] = KeyRecord{Address: "Addr"} },
		"no expiry":       func(r *Record) { r.ExpiresAtMs = 0 },
		"no duration":     func(r *Record) { r.DurationMs = 0 },
		"nil max spend":   func(r *Record) { r.MaxSpend = nil },
		"nil per tx cap":  func(r *Record) { r.PerTxCap = nil },
		"nil spent":       func(r *Record) { r.Spent = nil },
	}
	for name, mutate := range mutations {
		record := completeRecord()
		mutate(record)
		if record.Complete() {
			t.Fatalf("%s: record should be incomplete", name)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Load(ctx); err != ErrNoSession {
		t.Fatalf("empty store should report ErrNoSession, got %v", err)
	}

	record := completeRecord()
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID != record.ID || loaded.ExpiresAtMs != record.ExpiresAtMs {
		t.Fatalf("loaded record mismatch: %+v", loaded)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := store.Load(ctx); err != ErrNoSession {
		t.Fatalf("cleared store should report ErrNoSession, got %v", err)
	}
}

func TestMemoryStoreRecovery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	recovery := &RecoveryRecord{
		SessionID:      "sess-1",
		Keys:           map[string]KeyRecord{"solana": {Address: "Addr", Secret: "Secret"}},
		FailedNetworks: []string{"solana"},
	}
	if err := store.SaveRecovery(ctx, recovery); err != nil {
		t.Fatalf("save recovery: %v", err)
	}
	got := store.Recovery("sess-1")
	if got == nil || got.Keys["solana"].Secret != "Secret" {
		t.Fatalf("recovery record not retained: %+v", got)
	}

	if err := store.SaveRecovery(ctx, &RecoveryRecord{}); err == nil {
		t.Fatalf("recovery without session id must fail")
	}
}
