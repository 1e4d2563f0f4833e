package jsoncodec

import (
	"strings"
	"testing"
)

type sample struct {
	B int    `json:"b"`
	A string `json:"a"`
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := sample{B: 2, A: "x"}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestDecodeFromReader(t *testing.T) {
	var out sample
	if err := Decode(strings.NewReader(`{"a":"y","b":7}`), &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.A != "y" || out.B != 7 {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}

func TestUnmarshalRejectsInvalidJSON(t *testing.T) {
	var out sample
	if err := Unmarshal([]byte(`{not json`), &out); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
