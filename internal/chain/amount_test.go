package chain

import (
	"math/big"
	"testing"
)

func TestParseDecimalExact(t *testing.T) {
	cases := []struct {
		value    string
		decimals int
		want     string
	}{
		{"0.005", 9, "5000000"},
		{"0.02", 9, "20000000"},
		{"0.000005", 9, "5000"},
		{"0.01999", 9, "19990000"},
		{"1", 18, "1000000000000000000"},
		{"0.00001", 18, "10000000000000"},
		{"2.5", 6, "2500000"},
		{"0.0050000", 9, "5000000"},
		{"-0.1", 9, "-100000000"},
	}
	for _, tc := range cases {
		got, err := ParseDecimal(tc.value, tc.decimals)
		if err != nil {
			t.Fatalf("ParseDecimal(%q, %d): %v", tc.value, tc.decimals, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseDecimal(%q, %d) = %s, want %s", tc.value, tc.decimals, got, tc.want)
		}
	}
}

func TestParseDecimalRejectsExcessPrecision(t *testing.T) {
	if _, err := ParseDecimal("0.0000000001", 9); err == nil {
		t.Fatalf("expected precision error")
	}
	if _, err := ParseDecimal("1.1234567", 6); err == nil {
		t.Fatalf("expected precision error")
	}
}

func TestParseDecimalRejectsMalformed(t *testing.T) {
	for _, value := range []string{"", ".", "abc", "1.2.3", "1,5", "0x10"} {
		if _, err := ParseDecimal(value, 9); err == nil {
			t.Fatalf("ParseDecimal(%q) should fail", value)
		}
	}
}

func TestFormatAtomic(t *testing.T) {
	cases := []struct {
		atomic   string
		decimals int
		want     string
	}{
		{"19990000", 9, "0.01999"},
		{"5000000", 9, "0.005"},
		{"1000000000", 9, "1"},
		{"0", 9, "0"},
		{"1000000000000000000", 18, "1"},
		{"-100000000", 9, "-0.1"},
	}
	for _, tc := range cases {
		atomic, _ := new(big.Int).SetString(tc.atomic, 10)
		if got := FormatAtomic(atomic, tc.decimals); got != tc.want {
			t.Fatalf("FormatAtomic(%s, %d) = %q, want %q", tc.atomic, tc.decimals, got, tc.want)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	atomic := big.NewInt(19990000)
	text := FormatAtomic(atomic, 9)
	back, err := ParseDecimal(text, 9)
	if err != nil {
		t.Fatalf("round trip parse: %v", err)
	}
	if back.Cmp(atomic) != 0 {
		t.Fatalf("round trip mismatch: %s != %s", back, atomic)
	}
}

func TestSafetyBufferDefaults(t *testing.T) {
	defs := Definitions{Networks: map[string]Definition{}}
	buffer, err := defs.SafetyBuffer(NetworkSolana)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buffer.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("solana default buffer = %s, want 5000", buffer)
	}
	buffer, err = defs.SafetyBuffer(NetworkEthereum)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buffer.Cmp(big.NewInt(10_000_000_000_000)) != 0 {
		t.Fatalf("ethereum default buffer = %s, want 1e13", buffer)
	}
}

func TestSafetyBufferConfigured(t *testing.T) {
	defs := Definitions{Networks: map[string]Definition{
		"solana": {SafetyBuffer: "0.00001"},
	}}
	buffer, err := defs.SafetyBuffer(NetworkSolana)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buffer.Cmp(big.NewInt(10000)) != 0 {
		t.Fatalf("configured buffer = %s, want 10000", buffer)
	}
}
