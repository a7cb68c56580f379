package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/insightflow/pkg/audio"
	"github.com/MrWong99/insightflow/pkg/provider/s2s"
	"github.com/MrWong99/insightflow/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server that hands each
// accepted connection to handler.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func send(t *testing.T, conn *websocket.Conn, typ string, fields map[string]any) {
	t.Helper()
	msg := map[string]any{"type": typ}
	for k, v := range fields {
		msg[k] = v
	}
	writeJSON(t, conn, msg)
}

// skipSessionUpdate consumes the client's session.update.
func skipSessionUpdate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var msg map[string]any
	readJSON(t, conn, &msg)
}

func waitClientGone(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

func newProvider(srv *httptest.Server) *openai.Provider {
	return openai.New("test-api-key", openai.WithBaseURL(wsURL(srv)))
}

func nextEvent(t *testing.T, h s2s.SessionHandle) (s2s.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return s2s.Event{}, false
	}
}

func collect(t *testing.T, h s2s.SessionHandle, stop s2s.EventType) []s2s.Event {
	t.Helper()
	var out []s2s.Event
	for {
		ev, ok := nextEvent(t, h)
		if !ok {
			return out
		}
		out = append(out, ev)
		if ev.Type == stop {
			return out
		}
	}
}

func types(evs []s2s.Event) []s2s.EventType {
	out := make([]s2s.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// ── Handshake ─────────────────────────────────────────────────────────────────

type sessionUpdateFrame struct {
	Type    string `json:"type"`
	Session struct {
		Modalities              []string `json:"modalities"`
		Instructions            string   `json:"instructions"`
		Voice                   string   `json:"voice"`
		InputAudioFormat        string   `json:"input_audio_format"`
		OutputAudioFormat       string   `json:"output_audio_format"`
		InputAudioTranscription *struct {
			Model string `json:"model"`
		} `json:"input_audio_transcription"`
		TurnDetection struct {
			Type string `json:"type"`
		} `json:"turn_detection"`
	} `json:"session"`
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type request struct {
		model, auth, beta string
	}
	reqCh := make(chan request, 1)
	updateCh := make(chan sessionUpdateFrame, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		reqCh <- request{
			model: r.URL.Query().Get("model"),
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
		}
		var msg sessionUpdateFrame
		readJSON(t, conn, &msg)
		updateCh <- msg
		send(t, conn, "session.created", nil)
		send(t, conn, "session.updated", nil)
		waitClientGone(conn)
	})

	p := openai.New("sk-test",
		openai.WithBaseURL(wsURL(srv)),
		openai.WithModel("gpt-realtime-mini"),
		openai.WithTranscriptionModel("gpt-4o-transcribe"),
	)
	h, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions:        "Ask about coffee habits.",
		Voice:               "coral",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	req := <-reqCh
	if req.model != "gpt-realtime-mini" || req.auth != "Bearer sk-test" || req.beta != "realtime=v1" {
		t.Errorf("request = %+v", req)
	}

	msg := <-updateCh
	s := msg.Session
	if msg.Type != "session.update" {
		t.Errorf("type = %q", msg.Type)
	}
	if s.Instructions != "Ask about coffee habits." || s.Voice != "coral" {
		t.Errorf("instructions/voice = %q/%q", s.Instructions, s.Voice)
	}
	if s.InputAudioFormat != "pcm16" || s.OutputAudioFormat != "pcm16" {
		t.Errorf("formats = %q/%q", s.InputAudioFormat, s.OutputAudioFormat)
	}
	if !slices.Contains(s.Modalities, "audio") {
		t.Errorf("modalities = %v", s.Modalities)
	}
	if s.InputAudioTranscription == nil || s.InputAudioTranscription.Model != "gpt-4o-transcribe" {
		t.Errorf("input transcription = %+v", s.InputAudioTranscription)
	}
	if s.TurnDetection.Type != "server_vad" {
		t.Errorf("turn detection = %q", s.TurnDetection.Type)
	}

	// session.created and session.updated produce a single open event.
	if ev, _ := nextEvent(t, h); ev.Type != s2s.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Type)
	}
	select {
	case ev := <-h.Events():
		t.Errorf("unexpected second event %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnect_Defaults(t *testing.T) {
	t.Parallel()

	updateCh := make(chan sessionUpdateFrame, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateFrame
		readJSON(t, conn, &msg)
		updateCh <- msg
		waitClientGone(conn)
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	msg := <-updateCh
	if msg.Session.Voice != openai.DefaultVoice {
		t.Errorf("voice = %q, want %q", msg.Session.Voice, openai.DefaultVoice)
	}
	if msg.Session.InputAudioTranscription != nil {
		t.Error("input transcription should be omitted when not requested")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	if _, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}); !errors.Is(err, s2s.ErrChannelOpen) {
		t.Fatalf("err = %v, want ErrChannelOpen", err)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendAudio_ResamplesTo24k(t *testing.T) {
	t.Parallel()

	type appendFrame struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan appendFrame, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		var msg appendFrame
		readJSON(t, conn, &msg)
		got <- msg
		waitClientGone(conn)
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	packet := audio.Encode(audio.AudioFrame{Samples: make([]float32, 320), SampleRate: audio.InputSampleRate})
	if err := h.SendAudio(packet); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(raw) != 480*2 {
			t.Errorf("payload = %d bytes, want %d (24 kHz)", len(raw), 480*2)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for input_audio_buffer.append")
	}
}

func TestSendAudio_MalformedPacket(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		waitClientGone(conn)
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	err = h.SendAudio(audio.EncodedPacket{MIMEType: "audio/opus", Data: "AAAA"})
	if !errors.Is(err, s2s.ErrTransmit) || !errors.Is(err, audio.ErrMalformedPacket) {
		t.Errorf("err = %v, want ErrTransmit wrapping ErrMalformedPacket", err)
	}
}

func TestSendText_CreatesItemAndResponse(t *testing.T) {
	t.Parallel()

	type itemFrame struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}
	items := make(chan itemFrame, 1)
	follow := make(chan string, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		var item itemFrame
		readJSON(t, conn, &item)
		items <- item
		var next struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &next)
		follow <- next.Type
		waitClientGone(conn)
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if err := h.SendText("The interview starts now."); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	item := <-items
	if item.Type != "conversation.item.create" || item.Item.Role != "user" ||
		len(item.Item.Content) != 1 || item.Item.Content[0].Type != "input_text" ||
		item.Item.Content[0].Text != "The interview starts now." {
		t.Errorf("item = %+v", item)
	}
	if typ := <-follow; typ != "response.create" {
		t.Errorf("follow-up = %q, want response.create", typ)
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestEvents_Mapping(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		send(t, conn, "session.created", nil)
		send(t, conn, "conversation.item.input_audio_transcription.completed", map[string]any{"transcript": "I drink tea"})
		send(t, conn, "response.created", nil)
		send(t, conn, "response.audio.delta", map[string]any{"delta": "AAAA"})
		send(t, conn, "response.audio_transcript.delta", map[string]any{"delta": "Why tea?"})
		send(t, conn, "input_audio_buffer.speech_started", nil)
		send(t, conn, "response.done", nil)
		waitClientGone(conn)
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{OutputTranscription: true})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	evs := collect(t, h, s2s.EventTurnComplete)
	want := []s2s.EventType{
		s2s.EventOpen,
		s2s.EventInputTranscript,
		s2s.EventAudio,
		s2s.EventOutputTranscript,
		s2s.EventInterrupted,
		s2s.EventTurnComplete,
	}
	if !slices.Equal(types(evs), want) {
		t.Fatalf("event types = %v, want %v", types(evs), want)
	}
	if evs[1].Text != "I drink tea" {
		t.Errorf("input text = %q", evs[1].Text)
	}
	if evs[2].Audio != "AAAA" || evs[2].MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("audio event = %+v", evs[2])
	}
	if evs[3].Text != "Why tea?" {
		t.Errorf("output text = %q", evs[3].Text)
	}
}

func TestEvents_OutputTranscriptOff(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		send(t, conn, "response.audio_transcript.delta", map[string]any{"delta": "hidden"})
		send(t, conn, "response.done", nil)
		waitClientGone(conn)
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if evs := collect(t, h, s2s.EventTurnComplete); !slices.Equal(types(evs), []s2s.EventType{s2s.EventTurnComplete}) {
		t.Errorf("event types = %v, want only turn_complete", types(evs))
	}
}

func TestEvents_Errors(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		send(t, conn, "error", map[string]any{"error": map[string]any{
			"type": "invalid_request_error", "code": "response_cancel_not_active", "message": "no active response",
		}})
		send(t, conn, "error", map[string]any{"error": map[string]any{
			"type": "server_error", "message": "internal failure",
		}})
		waitClientGone(conn)
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	// The rejected request is logged only; the server error ends the session.
	ev, ok := nextEvent(t, h)
	if !ok || ev.Type != s2s.EventError {
		t.Fatalf("event = %v (ok=%v), want error", ev.Type, ok)
	}
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "internal failure") {
		t.Errorf("err = %v", ev.Err)
	}
}

func TestEvents_RemoteCloseEmitsClose(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		send(t, conn, "session.created", nil)
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	evs := collect(t, h, s2s.EventClose)
	if len(evs) == 0 || evs[len(evs)-1].Type != s2s.EventClose {
		t.Fatalf("events = %v, want trailing close", types(evs))
	}
	if !errors.Is(evs[len(evs)-1].Err, s2s.ErrChannelClosed) {
		t.Errorf("close err = %v", evs[len(evs)-1].Err)
	}
	if _, ok := nextEvent(t, h); ok {
		t.Error("events channel still open after close")
	}
	if !errors.Is(h.Err(), s2s.ErrChannelClosed) {
		t.Errorf("Err() = %v", h.Err())
	}
}

func TestClose_ClientSideIsQuiet(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		waitClientGone(conn)
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	for ev := range h.Events() {
		if ev.Type == s2s.EventClose {
			t.Fatal("client Close produced EventClose")
		}
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v, want nil", h.Err())
	}
	if err := h.SendAudio(audio.EncodedPacket{Data: "AAAA"}); !errors.Is(err, s2s.ErrTransmit) {
		t.Errorf("SendAudio after Close = %v, want ErrTransmit", err)
	}
	if err := h.SendText("hi"); !errors.Is(err, s2s.ErrTransmit) {
		t.Errorf("SendText after Close = %v, want ErrTransmit", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := openai.New("k").Capabilities()
	if caps.InputSampleRate != audio.InputSampleRate || caps.OutputSampleRate != openai.SampleRate {
		t.Errorf("rates = %d/%d", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if !slices.Contains(caps.Voices, openai.DefaultVoice) {
		t.Errorf("voices %v missing default %q", caps.Voices, openai.DefaultVoice)
	}
}
