// Package s2s defines the Provider interface for speech-to-speech backends.
//
// An S2S provider wraps a real-time voice model that accepts streamed
// microphone audio and answers with streamed synthesised speech over a single
// duplex connection. The model also transcribes both directions, so one
// connection yields audio, transcripts and turn signals.
//
// The central abstraction is SessionHandle: outbound sends are best effort,
// and everything inbound arrives on one typed [Event] channel in arrival
// order. Consumers handle each [EventType] with one function instead of a
// set of callbacks sharing state.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/insightflow/pkg/audio"
)

// Error taxonomy for the transport. Implementations wrap these so callers can
// match with errors.Is.
var (
	// ErrChannelOpen reports that the connection or handshake failed. It is
	// terminal and never retried automatically.
	ErrChannelOpen = errors.New("s2s: channel open failed")

	// ErrChannelClosed reports that an established connection went away
	// without the client asking for it.
	ErrChannelClosed = errors.New("s2s: channel closed unexpectedly")

	// ErrTransmit reports that a single outbound message could not be sent.
	// The message is dropped; the session continues.
	ErrTransmit = errors.New("s2s: transmit failed")
)

// EventType classifies inbound session events.
type EventType int

const (
	// EventOpen fires once the remote side accepted the handshake.
	EventOpen EventType = iota

	// EventInputTranscript carries a fragment of the user's recognised speech.
	EventInputTranscript

	// EventOutputTranscript carries a fragment of the agent's spoken text.
	EventOutputTranscript

	// EventAudio carries one chunk of synthesised speech as base64 PCM16.
	EventAudio

	// EventInterrupted signals barge-in: the user spoke over the agent and
	// any queued agent audio must stop now.
	EventInterrupted

	// EventTurnComplete marks the end of an agent turn.
	EventTurnComplete

	// EventError reports an error message from the remote side. Consumers
	// treat it as the end of the session.
	EventError

	// EventClose reports that the remote side ended the session. Err wraps
	// [ErrChannelClosed]. It is the last event before the channel closes. A
	// session ended by the client's own Close produces no EventClose.
	EventClose
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the remote agent.
type Event struct {
	Type EventType

	// Text is the transcript fragment for EventInputTranscript and
	// EventOutputTranscript.
	Text string

	// Audio is the base64 PCM16 payload for EventAudio. It is passed through
	// undecoded; the playback path decodes and validates it.
	Audio string

	// MIMEType tags Audio, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Err is set for EventError and EventClose.
	Err error
}

// SessionConfig is the handshake configuration for a new session.
type SessionConfig struct {
	// Instructions is the system instruction that defines the interviewer's
	// persona, script and questions.
	Instructions string

	// Voice is the provider's prebuilt voice name.
	Voice string

	// InputTranscription asks the provider to transcribe user speech.
	InputTranscription bool

	// OutputTranscription asks the provider to transcribe agent speech.
	OutputTranscription bool
}

// Capabilities describes static properties of the provider.
type Capabilities struct {
	// InputSampleRate is the PCM rate expected for SendAudio.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of EventAudio payloads.
	OutputSampleRate int

	// MaxSessionDurationMs is the provider-imposed session limit. Zero means
	// no documented limit.
	MaxSessionDurationMs int

	// Voices lists the prebuilt voice names.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio transmits one encoded microphone packet as realtime input.
	// It is best effort: a failure wraps [ErrTransmit], the packet is lost
	// and the session keeps running.
	SendAudio(packet audio.EncodedPacket) error

	// SendText sends a complete user text turn, used to prime the agent.
	SendText(text string) error

	// Events returns the inbound event channel. The channel is closed when
	// the session ends, after EventClose if the remote side ended it.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it ended
	// cleanly or is still running.
	Err() error

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect dials the backend and sends the handshake. It returns once the
	// handshake is on the wire; [EventOpen] follows when the remote side
	// accepts it. Dial or handshake failures wrap [ErrChannelOpen].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
