// Package protocol defines the JSON messages exchanged with the upstream
// conversational service over the voice channel.
//
// Every message carries a "type" discriminator. Outbound messages are plain
// structs built with the New* constructors. Inbound messages decode into a
// closed set of variant types implementing [Inbound]; consumers switch on the
// concrete type.
package protocol

import "encoding/json"

// MessageType identifies a message variant.
type MessageType string

// Outbound message types.
const (
	TypePing                   MessageType = "ping"
	TypeInputAudioAppend       MessageType = "input_audio_buffer.append"
	TypeConversationItemCreate MessageType = "conversation.item.create"
	TypeResponseCreate         MessageType = "response.create"
)

// Inbound message types.
const (
	TypeClientConnected            MessageType = "client_connected"
	TypeConnectionEstablished      MessageType = "connection_established"
	TypeSessionReady               MessageType = "session_ready"
	TypeSessionHeartbeat           MessageType = "session_heartbeat"
	TypePong                       MessageType = "pong"
	TypeReconnecting               MessageType = "reconnecting"
	TypeSessionNotReady            MessageType = "session_not_ready"
	TypeSessionUnavailable         MessageType = "session_unavailable"
	TypeMaxRetriesExceeded         MessageType = "max_retries_exceeded"
	TypeSessionError               MessageType = "session_error"
	TypeConnectionError            MessageType = "connection_error"
	TypeInitializationError        MessageType = "initialization_error"
	TypeConnectionTimeout          MessageType = "connection_timeout"
	TypeOpenAIError                MessageType = "openai_error"
	TypeSessionRecovery            MessageType = "session_recovery"
	TypeAudioDelta                 MessageType = "response.audio.delta"
	TypeTranscriptDelta            MessageType = "response.audio_transcript.delta"
	TypeTranscriptDone             MessageType = "response.audio_transcript.done"
	TypeSpeechStarted              MessageType = "input_audio_buffer.speech_started"
	TypeSpeechStopped              MessageType = "input_audio_buffer.speech_stopped"
	TypeSessionEnded               MessageType = "session_ended"
	TypeManualInterventionRequired MessageType = "manual_intervention_required"
)

// ── Outbound ──────────────────────────────────────────────────────────────────

// Ping is the liveness probe.
type Ping struct {
	Type MessageType `json:"type"`
}

// AppendAudio carries one base64-encoded PCM16 frame.
type AppendAudio struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

// CreateItem injects a text turn into the conversation.
type CreateItem struct {
	Type MessageType      `json:"type"`
	Item ConversationItem `json:"item"`
}

// ConversationItem is the item payload of [CreateItem].
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is one piece of a [ConversationItem].
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CreateResponse asks the upstream to generate a reply.
type CreateResponse struct {
	Type MessageType `json:"type"`
}

// NewPing returns a liveness probe.
func NewPing() Ping { return Ping{Type: TypePing} }

// NewAppendAudio returns an audio append carrying audio (base64 PCM16).
func NewAppendAudio(audio string) AppendAudio {
	return AppendAudio{Type: TypeInputAudioAppend, Audio: audio}
}

// NewUserText returns a user text turn.
func NewUserText(text string) CreateItem {
	return CreateItem{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// NewCreateResponse returns a response.create request.
func NewCreateResponse() CreateResponse { return CreateResponse{Type: TypeResponseCreate} }

// ── Inbound ───────────────────────────────────────────────────────────────────

// Inbound is implemented by every inbound variant. The set is closed: only
// types in this package embed [Common].
type Inbound interface {
	Type() MessageType
	Meta() Common
	inbound()
}

// ServerMetrics is the optional metrics block attached to inbound messages.
type ServerMetrics struct {
	MessagesProcessed int64 `json:"messagesProcessed,omitempty"`
	Errors            int64 `json:"errors,omitempty"`
	Reconnects        int64 `json:"reconnects,omitempty"`
	UptimeMs          int64 `json:"uptime,omitempty"`
}

// Common holds the fields any inbound message may carry.
type Common struct {
	Kind         MessageType    `json:"type"`
	SessionState string         `json:"sessionState,omitempty"`
	QueueLength  *int           `json:"queueLength,omitempty"`
	Metrics      *ServerMetrics `json:"metrics,omitempty"`
}

// Type returns the message discriminator.
func (c Common) Type() MessageType { return c.Kind }

// Meta returns the shared optional fields.
func (c Common) Meta() Common { return c }

func (Common) inbound() {}

// ClientConnected acknowledges the socket upgrade.
type ClientConnected struct{ Common }

// ConnectionEstablished reports that the upstream reached its backend.
type ConnectionEstablished struct{ Common }

// SessionReady reports that the upstream session is configured and accepts audio.
type SessionReady struct{ Common }

// Heartbeat is a liveness acknowledgment (session_heartbeat or pong).
type Heartbeat struct{ Common }

// Reconnecting announces upstream-initiated recovery.
type Reconnecting struct {
	Common
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`
}

// NotReady reports that messages are queued because the upstream session is
// not ready (session_not_ready or session_unavailable).
type NotReady struct {
	Common
}

// MaxRetriesExceeded declares the session unrecoverable.
type MaxRetriesExceeded struct {
	Common
	Message string `json:"message,omitempty"`
}

// ManualInterventionRequired declares the session unrecoverable.
type ManualInterventionRequired struct {
	Common
	Message string `json:"message,omitempty"`
}

// ErrorMessage is any of the upstream error variants (session_error,
// connection_error, initialization_error, connection_timeout, openai_error).
type ErrorMessage struct {
	Common
	Message            string          `json:"message"`
	CanRetry           *bool           `json:"canRetry,omitempty"`
	ReconnectSuggested bool            `json:"reconnectSuggested,omitempty"`
	ErrorDetails       json.RawMessage `json:"errorDetails,omitempty"`
}

// Retryable reports whether the upstream marked the error retryable. A
// missing canRetry counts as retryable.
func (e ErrorMessage) Retryable() bool {
	return e.CanRetry == nil || *e.CanRetry || e.ReconnectSuggested
}

// SessionRecovery reports that the upstream recovered the session.
type SessionRecovery struct{ Common }

// AudioDelta carries one base64 PCM16 fragment of assistant speech.
type AudioDelta struct {
	Common
	AudioContent string `json:"audioContent"`
}

// TranscriptDelta carries a partial assistant transcript.
type TranscriptDelta struct {
	Common
	Transcript string `json:"transcript"`
}

// TranscriptDone carries the final assistant transcript of a turn.
type TranscriptDone struct {
	Common
	Transcript string `json:"transcript"`
}

// SpeechStarted reports that upstream VAD detected user speech.
type SpeechStarted struct{ Common }

// SpeechStopped reports that upstream VAD detected the end of user speech.
type SpeechStopped struct{ Common }

// SessionEnded reports that the upstream closed its side of the session.
type SessionEnded struct {
	Common
	WasEstablished bool   `json:"wasEstablished"`
	WasUnexpected  bool   `json:"wasUnexpected"`
	CloseCode      int    `json:"closeCode,omitempty"`
	CloseReason    string `json:"closeReason,omitempty"`
	CanRetry       *bool  `json:"canRetry,omitempty"`
}

// Unknown is any message whose type this package does not recognise.
type Unknown struct {
	Common
	Raw json.RawMessage `json:"-"`
}
