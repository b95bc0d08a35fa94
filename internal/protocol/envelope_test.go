package protocol

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEnvelope_EncodeDecodeRoundTrip(t *testing.T) {
	env, err := New(TypeCommand, CommandPayload{Command: "echo"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if env.ID == "" {
		t.Fatal("New() produced empty id")
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Type != env.Type {
		t.Errorf("Type = %v, want %v", got.Type, env.Type)
	}
	if got.ID != env.ID {
		t.Errorf("ID = %v, want %v", got.ID, env.ID)
	}
	if !got.Timestamp.Equal(env.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, env.Timestamp)
	}

	var payload CommandPayload
	if err := got.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.Command != "echo" {
		t.Errorf("Command = %q, want %q", payload.Command, "echo")
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte("{not json"), 0)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Decode() error = %v, want *ParseError", err)
	}
	if !IsProtocolError(err) {
		t.Error("IsProtocolError() = false for parse error")
	}
}

func TestDecode_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"no type", `{"id":"x","timestamp":"2024-01-01T00:00:00Z"}`, ErrMissingType},
		{"no id", `{"type":"command","timestamp":"2024-01-01T00:00:00Z"}`, ErrMissingID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data), 0)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecode_TooLarge(t *testing.T) {
	big := `{"type":"command","id":"x","payload":{"data":"` + strings.Repeat("a", 256) + `"}}`
	_, err := Decode([]byte(big), 64)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Decode() error = %v, want ErrTooLarge", err)
	}
}

func TestNewReply_KeepsID(t *testing.T) {
	env, err := NewReply(TypeResponse, "original-42", nil)
	if err != nil {
		t.Fatalf("NewReply() error = %v", err)
	}
	if env.ID != "original-42" {
		t.Errorf("ID = %q, want original-42", env.ID)
	}
	if env.Timestamp.IsZero() || time.Since(env.Timestamp) > time.Minute {
		t.Errorf("Timestamp = %v, want recent", env.Timestamp)
	}
}

func TestEnvelopeType_Valid(t *testing.T) {
	for _, typ := range []EnvelopeType{TypeHello, TypeRegister, TypeWelcome,
		TypeAck, TypeCommand, TypeResponse, TypeHeartbeat, TypeEvent, TypeError} {
		if !typ.Valid() {
			t.Errorf("Valid() = false for %q", typ)
		}
	}
	if EnvelopeType("bogus").Valid() {
		t.Error("Valid() = true for bogus type")
	}
}
