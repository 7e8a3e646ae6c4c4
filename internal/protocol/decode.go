package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports an inbound message that could not be decoded. It is
// always local to one message.
type DecodeError struct {
	Type MessageType
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: decode: %v", e.Err)
	}
	return fmt.Sprintf("protocol: decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one inbound message. Unrecognised types decode to [Unknown]
// without error.
func Decode(raw []byte) (Inbound, error) {
	var env Common
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if env.Kind == "" {
		return nil, &DecodeError{Err: fmt.Errorf("missing type")}
	}

	var msg Inbound
	switch env.Kind {
	case TypeClientConnected:
		msg = &ClientConnected{}
	case TypeConnectionEstablished:
		msg = &ConnectionEstablished{}
	case TypeSessionReady:
		msg = &SessionReady{}
	case TypeSessionHeartbeat, TypePong:
		msg = &Heartbeat{}
	case TypeReconnecting:
		msg = &Reconnecting{}
	case TypeSessionNotReady, TypeSessionUnavailable:
		msg = &NotReady{}
	case TypeMaxRetriesExceeded:
		msg = &MaxRetriesExceeded{}
	case TypeManualInterventionRequired:
		msg = &ManualInterventionRequired{}
	case TypeSessionError, TypeConnectionError, TypeInitializationError,
		TypeConnectionTimeout, TypeOpenAIError:
		msg = &ErrorMessage{}
	case TypeSessionRecovery:
		msg = &SessionRecovery{}
	case TypeAudioDelta:
		msg = &AudioDelta{}
	case TypeTranscriptDelta:
		msg = &TranscriptDelta{}
	case TypeTranscriptDone:
		msg = &TranscriptDone{}
	case TypeSpeechStarted:
		msg = &SpeechStarted{}
	case TypeSpeechStopped:
		msg = &SpeechStopped{}
	case TypeSessionEnded:
		msg = &SessionEnded{}
	default:
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		return Unknown{Common: env, Raw: cp}, nil
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, &DecodeError{Type: env.Kind, Err: err}
	}
	return deref(msg), nil
}

// deref returns variants by value so that consumers switch on value types.
func deref(msg Inbound) Inbound {
	switch m := msg.(type) {
	case *ClientConnected:
		return *m
	case *ConnectionEstablished:
		return *m
	case *SessionReady:
		return *m
	case *Heartbeat:
		return *m
	case *Reconnecting:
		return *m
	case *NotReady:
		return *m
	case *MaxRetriesExceeded:
		return *m
	case *ManualInterventionRequired:
		return *m
	case *ErrorMessage:
		return *m
	case *SessionRecovery:
		return *m
	case *AudioDelta:
		return *m
	case *TranscriptDelta:
		return *m
	case *TranscriptDone:
		return *m
	case *SpeechStarted:
		return *m
	case *SpeechStopped:
		return *m
	case *SessionEnded:
		return *m
	}
	return msg
}

// IsLivenessAck reports whether msg proves the channel is alive: explicit
// heartbeats and pongs, and any message carrying a session state marker.
func IsLivenessAck(msg Inbound) bool {
	if _, ok := msg.(Heartbeat); ok {
		return true
	}
	return msg.Meta().SessionState != ""
}

// Unrecoverable reports whether msg declares the session unrecoverable,
// along with the upstream's explanation.
func Unrecoverable(msg Inbound) (message string, ok bool) {
	switch m := msg.(type) {
	case MaxRetriesExceeded:
		return m.Message, true
	case ManualInterventionRequired:
		return m.Message, true
	}
	return "", false
}
