package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/tutorlink/internal/protocol"
)

func TestDecode_Variants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, msg protocol.Inbound)
	}{
		{
			name: "session_ready",
			raw:  `{"type":"session_ready","sessionState":"ready"}`,
			check: func(t *testing.T, msg protocol.Inbound) {
				if _, ok := msg.(protocol.SessionReady); !ok {
					t.Fatalf("got %T, want SessionReady", msg)
				}
				if msg.Meta().SessionState != "ready" {
					t.Errorf("sessionState = %q", msg.Meta().SessionState)
				}
			},
		},
		{
			name: "pong is a heartbeat",
			raw:  `{"type":"pong"}`,
			check: func(t *testing.T, msg protocol.Inbound) {
				hb, ok := msg.(protocol.Heartbeat)
				if !ok {
					t.Fatalf("got %T, want Heartbeat", msg)
				}
				if hb.Type() != protocol.TypePong {
					t.Errorf("Type = %q, want pong", hb.Type())
				}
			},
		},
		{
			name: "reconnecting",
			raw:  `{"type":"reconnecting","attempt":2,"maxAttempts":5}`,
			check: func(t *testing.T, msg protocol.Inbound) {
				r, ok := msg.(protocol.Reconnecting)
				if !ok {
					t.Fatalf("got %T, want Reconnecting", msg)
				}
				if r.Attempt != 2 || r.MaxAttempts != 5 {
					t.Errorf("got %+v", r)
				}
			},
		},
		{
			name: "session_unavailable with queue",
			raw:  `{"type":"session_unavailable","queueLength":3}`,
			check: func(t *testing.T, msg protocol.Inbound) {
				if _, ok := msg.(protocol.NotReady); !ok {
					t.Fatalf("got %T, want NotReady", msg)
				}
				q := msg.Meta().QueueLength
				if q == nil || *q != 3 {
					t.Errorf("queueLength = %v, want 3", q)
				}
			},
		},
		{
			name: "openai_error not retryable",
			raw:  `{"type":"openai_error","message":"quota","canRetry":false,"errorDetails":{"code":"x"}}`,
			check: func(t *testing.T, msg protocol.Inbound) {
				e, ok := msg.(protocol.ErrorMessage)
				if !ok {
					t.Fatalf("got %T, want ErrorMessage", msg)
				}
				if e.Message != "quota" || e.Retryable() {
					t.Errorf("got %+v retryable=%v", e, e.Retryable())
				}
				if string(e.ErrorDetails) != `{"code":"x"}` {
					t.Errorf("errorDetails = %s", e.ErrorDetails)
				}
			},
		},
		{
			name: "session_error without canRetry is retryable",
			raw:  `{"type":"session_error","message":"blip"}`,
			check: func(t *testing.T, msg protocol.Inbound) {
				e := msg.(protocol.ErrorMessage)
				if !e.Retryable() {
					t.Error("Retryable = false, want true")
				}
			},
		},
		{
			name: "audio delta",
			raw:  `{"type":"response.audio.delta","audioContent":"AAA="}`,
			check: func(t *testing.T, msg protocol.Inbound) {
				a, ok := msg.(protocol.AudioDelta)
				if !ok || a.AudioContent != "AAA=" {
					t.Fatalf("got %#v", msg)
				}
			},
		},
		{
			name: "transcript done",
			raw:  `{"type":"response.audio_transcript.done","transcript":"hello"}`,
			check: func(t *testing.T, msg protocol.Inbound) {
				d, ok := msg.(protocol.TranscriptDone)
				if !ok || d.Transcript != "hello" {
					t.Fatalf("got %#v", msg)
				}
			},
		},
		{
			name: "session ended",
			raw:  `{"type":"session_ended","wasEstablished":true,"wasUnexpected":true,"closeCode":1006,"closeReason":"gone","canRetry":true}`,
			check: func(t *testing.T, msg protocol.Inbound) {
				e, ok := msg.(protocol.SessionEnded)
				if !ok {
					t.Fatalf("got %T", msg)
				}
				if !e.WasUnexpected || e.CloseCode != 1006 || e.CanRetry == nil || !*e.CanRetry {
					t.Errorf("got %+v", e)
				}
			},
		},
		{
			name: "unknown type",
			raw:  `{"type":"response.done","extra":1}`,
			check: func(t *testing.T, msg protocol.Inbound) {
				u, ok := msg.(protocol.Unknown)
				if !ok {
					t.Fatalf("got %T, want Unknown", msg)
				}
				if u.Type() != "response.done" || len(u.Raw) == 0 {
					t.Errorf("got %+v", u)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := protocol.Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tc.check(t, msg)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`not json`, `{}`, `{"type":"reconnecting","attempt":"two"}`} {
		_, err := protocol.Decode([]byte(raw))
		var de *protocol.DecodeError
		if !errors.As(err, &de) {
			t.Errorf("Decode(%s): got %v, want *DecodeError", raw, err)
		}
	}
}

func TestClassifiers(t *testing.T) {
	t.Parallel()

	decode := func(raw string) protocol.Inbound {
		msg, err := protocol.Decode([]byte(raw))
		if err != nil {
			t.Fatalf("Decode(%s): %v", raw, err)
		}
		return msg
	}

	if !protocol.IsLivenessAck(decode(`{"type":"session_heartbeat"}`)) {
		t.Error("session_heartbeat not a liveness ack")
	}
	if !protocol.IsLivenessAck(decode(`{"type":"response.audio.delta","audioContent":"","sessionState":"active"}`)) {
		t.Error("sessionState marker not a liveness ack")
	}
	if protocol.IsLivenessAck(decode(`{"type":"response.audio.delta","audioContent":""}`)) {
		t.Error("plain audio delta counted as liveness ack")
	}
	if msg, ok := protocol.Unrecoverable(decode(`{"type":"max_retries_exceeded","message":"gave up"}`)); !ok || msg != "gave up" {
		t.Errorf("max_retries_exceeded: Unrecoverable = %q, %v", msg, ok)
	}
	if _, ok := protocol.Unrecoverable(decode(`{"type":"manual_intervention_required"}`)); !ok {
		t.Error("manual_intervention_required not unrecoverable")
	}
	if _, ok := protocol.Unrecoverable(decode(`{"type":"session_error","message":"x"}`)); ok {
		t.Error("session_error counted as unrecoverable")
	}
}

func TestOutbound_Shapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  any
		want string
	}{
		{protocol.NewPing(), `{"type":"ping"}`},
		{protocol.NewAppendAudio("AAA="), `{"type":"input_audio_buffer.append","audio":"AAA="}`},
		{protocol.NewCreateResponse(), `{"type":"response.create"}`},
		{
			protocol.NewUserText("hi"),
			`{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}}`,
		},
	}
	for _, tc := range tests {
		got, err := json.Marshal(tc.msg)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if string(got) != tc.want {
			t.Errorf("got %s, want %s", got, tc.want)
		}
	}
}
