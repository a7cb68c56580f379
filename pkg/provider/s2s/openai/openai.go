// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API speaks PCM16 at 24 kHz in both directions, so microphone
// packets are resampled from the capture rate before they are appended to the
// input buffer. Server-side voice activity detection drives turn taking; a
// speech_started event is surfaced as barge-in.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/insightflow/pkg/audio"
	"github.com/MrWong99/insightflow/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	// DefaultModel is the Realtime model used when none is configured.
	DefaultModel = "gpt-4o-realtime-preview"

	// DefaultVoice is the voice used when the session config names none.
	DefaultVoice = "alloy"

	// SampleRate is the PCM16 rate the Realtime API uses in both directions.
	SampleRate = 24000

	defaultBaseURL     = "wss://api.openai.com/v1/realtime"
	defaultTranscriber = "whisper-1"
	keepaliveTimeout   = 5 * time.Second
	eventBuffer        = 64
	nonFatalErrorType  = "invalid_request_error"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithTranscriptionModel sets the model that transcribes user speech.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.transcriber = model
		}
	}
}

// WithKeepalive enables WebSocket pings at the given interval. Disabled by
// default.
func WithKeepalive(interval time.Duration) Option {
	return func(p *Provider) { p.keepalive = interval }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	transcriber string
	keepalive   time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       DefaultModel,
		baseURL:     defaultBaseURL,
		transcriber: defaultTranscriber,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
// Input is accepted at any PCM rate and resampled, so the capture pipeline
// keeps its native rate.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      audio.InputSampleRate,
		OutputSampleRate:     SampleRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new Realtime session. The session.update event is on
// the wire when Connect returns; s2s.EventOpen follows once the server
// acknowledges the session.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: dial: %w", s2s.ErrChannelOpen, err)
	}
	conn.SetReadLimit(8 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:             conn,
		events:           make(chan s2s.Event, eventBuffer),
		done:             make(chan struct{}),
		outputTranscript: cfg.OutputTranscription,
		ctx:              sessCtx,
		cancel:           sessCancel,
	}

	if err := sess.writeJSON(sessionUpdate(cfg, p.transcriber)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("%w: openai: session update: %w", s2s.ErrChannelOpen, err)
	}

	go sess.receiveLoop()
	if p.keepalive > 0 {
		go sess.keepaliveLoop(p.keepalive)
	}

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection        `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16 at 24 kHz
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type typedMessage struct {
	Type string `json:"type"`
}

func sessionUpdate(cfg s2s.SessionConfig, transcriber string) sessionUpdateMessage {
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Instructions:      cfg.Instructions,
		Voice:             voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetection{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriber}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn             *websocket.Conn
	events           chan s2s.Event
	outputTranscript bool

	// opened is only touched by receiveLoop.
	opened bool

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and translates them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			closeErr := fmt.Errorf("%w: openai: %w", s2s.ErrChannelClosed, err)
			s.setErr(closeErr)
			s.emit(s2s.Event{Type: s2s.EventClose, Err: closeErr})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent emits the s2s events for evt. It returns false when the
// session context was cancelled mid-dispatch.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		if s.opened {
			return true
		}
		s.opened = true
		return s.emit(s2s.Event{Type: s2s.EventOpen})

	case "input_audio_buffer.speech_started":
		return s.emit(s2s.Event{Type: s2s.EventInterrupted})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return s.emit(s2s.Event{Type: s2s.EventInputTranscript, Text: evt.Transcript})

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.Event{Type: s2s.EventAudio, Audio: evt.Delta, MIMEType: audio.PCMMIMEType(SampleRate)})

	case "response.audio_transcript.delta":
		if evt.Delta == "" || !s.outputTranscript {
			return true
		}
		return s.emit(s2s.Event{Type: s2s.EventOutputTranscript, Text: evt.Delta})

	case "response.done":
		return s.emit(s2s.Event{Type: s2s.EventTurnComplete})

	case "error":
		return s.handleErrorEvent(evt.Error)
	}
	return true
}

// handleErrorEvent surfaces a server error. Rejected client requests, such as
// cancelling a response that already finished, leave the session usable and
// are only logged.
func (s *session) handleErrorEvent(e *serverError) bool {
	msg := "unknown error"
	if e != nil && e.Message != "" {
		msg = e.Message
	}
	if e != nil && e.Type == nonFatalErrorType {
		slog.Warn("openai realtime rejected a request", "code", e.Code, "message", msg)
		return true
	}
	return s.emit(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("openai: %s", msg)})
}

// emit delivers ev unless the session is being closed.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends one microphone packet to the input buffer, resampled to
// 24 kHz.
func (s *session) SendAudio(packet audio.EncodedPacket) error {
	if s.isClosed() {
		return fmt.Errorf("%w: openai: session closed", s2s.ErrTransmit)
	}

	resampled, err := audio.ResamplePacket(packet, SampleRate)
	if err != nil {
		return fmt.Errorf("%w: openai: %w", s2s.ErrTransmit, err)
	}
	msg := appendAudioMessage{Type: "input_audio_buffer.append", Audio: resampled.Data}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("%w: openai: send audio: %w", s2s.ErrTransmit, err)
	}
	return nil
}

// SendText adds a user message to the conversation and asks for a response.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return fmt.Errorf("%w: openai: session closed", s2s.ErrTransmit)
	}

	item := createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(item); err != nil {
		return fmt.Errorf("%w: openai: send text: %w", s2s.ErrTransmit, err)
	}
	if err := s.writeJSON(typedMessage{Type: "response.create"}); err != nil {
		return fmt.Errorf("%w: openai: request response: %w", s2s.ErrTransmit, err)
	}
	return nil
}

// Events returns the inbound event channel.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
