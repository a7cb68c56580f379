package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/insightflow/internal/session"
	"github.com/MrWong99/insightflow/internal/transcript"
	"github.com/MrWong99/insightflow/pkg/audio"
	audiomock "github.com/MrWong99/insightflow/pkg/audio/mock"
	"github.com/MrWong99/insightflow/pkg/provider/s2s"
	s2smock "github.com/MrWong99/insightflow/pkg/provider/s2s/mock"
)

type runResult struct {
	res session.Result
	err error
}

type controllerRig struct {
	dev  *audiomock.Device
	sess *s2smock.Session
	prov *s2smock.Provider
	ctrl *session.Controller
}

func newControllerRig(t *testing.T, mutate func(*session.Config)) *controllerRig {
	t.Helper()
	m, _ := newTestMetrics(t)
	r := &controllerRig{dev: &audiomock.Device{}, sess: s2smock.NewSession()}
	r.prov = &s2smock.Provider{Session: r.sess}
	cfg := session.Config{
		Provider:     r.prov,
		Device:       r.dev,
		Language:     transcript.LanguageEnglish,
		PrimingDelay: 10 * time.Millisecond,
		EndGrace:     30 * time.Millisecond,
		FrameSize:    testFrameSize,
		Metrics:      m,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := session.NewController(cfg)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	r.ctrl = ctrl
	return r
}

// start pre-loads the open event, runs the controller and waits until it is
// connected.
func (r *controllerRig) start(t *testing.T, ctx context.Context) <-chan runResult {
	t.Helper()
	r.sess.Emit(s2s.Event{Type: s2s.EventOpen})
	done := make(chan runResult, 1)
	go func() {
		res, err := r.ctrl.Run(ctx)
		done <- runResult{res, err}
	}()
	waitFor(t, "connected", r.ctrl.IsConnected)
	return done
}

func await(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case rr := <-done:
		return rr
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return runResult{}
	}
}

func TestNewController_Validation(t *testing.T) {
	t.Parallel()

	if _, err := session.NewController(session.Config{Device: &audiomock.Device{}}); err == nil {
		t.Error("missing provider accepted")
	}
	if _, err := session.NewController(session.Config{Provider: &s2smock.Provider{}}); err == nil {
		t.Error("missing device accepted")
	}
}

func TestController_PrimesAgent(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, nil)
	done := r.start(t, context.Background())

	waitFor(t, "priming", func() bool { return len(r.sess.TextCalls()) == 1 })
	if got := r.sess.TextCalls()[0]; got != session.DefaultPrimingText("en") {
		t.Errorf("priming text = %q", got)
	}
	if got := r.dev.OutputRates[0]; got != audio.OutputSampleRate {
		t.Errorf("output opened at %d Hz, want %d", got, audio.OutputSampleRate)
	}

	r.ctrl.End()
	rr := await(t, done)
	if rr.err != nil || rr.res.Reason != session.EndRequested {
		t.Errorf("Run = %v, %v; want requested", rr.res.Reason, rr.err)
	}
}

func TestController_ClosingPhraseOnTurnComplete(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, nil)
	done := r.start(t, context.Background())

	r.sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "That's all from me."})
	r.sess.Emit(s2s.Event{Type: s2s.EventOutputTranscript, Text: "Thank you. The interview is over."})
	r.sess.Emit(s2s.Event{Type: s2s.EventTurnComplete})

	rr := await(t, done)
	if rr.err != nil {
		t.Fatalf("Run: %v", rr.err)
	}
	if rr.res.Reason != session.EndClosingPhrase {
		t.Errorf("Reason = %s, want closing_phrase", rr.res.Reason)
	}
	if rr.res.Err != nil {
		t.Errorf("Result.Err = %v, want nil", rr.res.Err)
	}
	want := "USER: That's all from me.\nAGENT: Thank you. The interview is over."
	if rr.res.Text != want {
		t.Errorf("Text = %q, want %q", rr.res.Text, want)
	}
	if len(rr.res.Entries) != 2 {
		t.Errorf("len(Entries) = %d, want 2", len(rr.res.Entries))
	}
	if r.sess.Closes() == 0 {
		t.Error("transport not closed")
	}
	if got := r.ctrl.State(); got != session.StateEnded {
		t.Errorf("State = %s, want ended", got)
	}
}

func TestController_ClosingPhraseSealedByUser(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, func(c *session.Config) { c.EndGrace = 10 * time.Second })
	done := r.start(t, context.Background())

	r.sess.Emit(s2s.Event{Type: s2s.EventOutputTranscript, Text: "Goodbye, "})
	r.sess.Emit(s2s.Event{Type: s2s.EventOutputTranscript, Text: "and thanks."})
	r.sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "Bye!"})

	// The grace period is long; End wins, and the timer must not fire later.
	time.Sleep(50 * time.Millisecond)
	r.ctrl.End()
	rr := await(t, done)
	if rr.res.Reason != session.EndRequested {
		t.Errorf("Reason = %s, want requested", rr.res.Reason)
	}
}

func TestController_ClosingPhraseWithinGrace(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, nil)
	done := r.start(t, context.Background())

	r.sess.Emit(s2s.Event{Type: s2s.EventOutputTranscript, Text: "Goodbye, and thanks."})
	r.sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "Bye!"})

	rr := await(t, done)
	if rr.res.Reason != session.EndClosingPhrase {
		t.Errorf("Reason = %s, want closing_phrase", rr.res.Reason)
	}
	if len(rr.res.Entries) != 2 {
		t.Errorf("len(Entries) = %d, want 2", len(rr.res.Entries))
	}
}

func TestController_UserClosingPhraseIgnored(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, nil)
	done := r.start(t, context.Background())

	r.sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "The interview is over, goodbye."})
	r.sess.Emit(s2s.Event{Type: s2s.EventTurnComplete})

	select {
	case rr := <-done:
		t.Fatalf("Run ended on a user closing phrase: %s", rr.res.Reason)
	case <-time.After(100 * time.Millisecond):
	}
	r.ctrl.End()
	if rr := await(t, done); rr.res.Reason != session.EndRequested {
		t.Errorf("Reason = %s, want requested", rr.res.Reason)
	}
}

func TestController_ContextCancelled(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := r.start(t, ctx)
	cancel()

	rr := await(t, done)
	if rr.err != nil || rr.res.Reason != session.EndCancelled {
		t.Errorf("Run = %s, %v; want cancelled", rr.res.Reason, rr.err)
	}
}

func TestController_RemoteClose(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, nil)
	done := r.start(t, context.Background())

	r.sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "I was saying"})
	r.sess.RemoteClose(errors.New("session expired"))

	rr := await(t, done)
	if rr.err != nil {
		t.Fatalf("Run: %v", rr.err)
	}
	if rr.res.Reason != session.EndRemoteClosed {
		t.Errorf("Reason = %s, want remote_closed", rr.res.Reason)
	}
	if !errors.Is(rr.res.Err, s2s.ErrChannelClosed) {
		t.Errorf("Result.Err = %v, want ErrChannelClosed", rr.res.Err)
	}
	if rr.res.Text != "USER: I was saying" {
		t.Errorf("Text = %q", rr.res.Text)
	}
}

func TestController_ConnectFailure(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, nil)
	r.prov.ConnectErr = errors.New("handshake rejected")

	res, err := r.ctrl.Run(context.Background())
	if !errors.Is(err, s2s.ErrChannelOpen) {
		t.Fatalf("Run error = %v, want ErrChannelOpen", err)
	}
	if res.Reason != session.EndFailed {
		t.Errorf("Reason = %s, want failed", res.Reason)
	}
	if len(res.Entries) != 0 {
		t.Errorf("Entries = %v, want empty", res.Entries)
	}
	if r.dev.OutputResult.CloseCallCount != 1 {
		t.Errorf("output closed %d times, want 1", r.dev.OutputResult.CloseCallCount)
	}
}

func TestController_OutputUnavailable(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, nil)
	r.dev.OpenOutputErr = audio.ErrDeviceUnavailable

	_, err := r.ctrl.Run(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Run error = %v, want ErrDeviceUnavailable", err)
	}
	if n := len(r.prov.Calls()); n != 0 {
		t.Errorf("provider dialed %d times", n)
	}
}

func TestController_SingleUse(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, nil)
	done := r.start(t, context.Background())
	r.ctrl.End()
	await(t, done)

	if _, err := r.ctrl.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestController_OnTranscript(t *testing.T) {
	t.Parallel()

	type frag struct {
		text   string
		isUser bool
	}
	var (
		mu   sync.Mutex
		got  []frag
		seen = make(chan struct{}, 8)
	)
	r := newControllerRig(t, func(c *session.Config) {
		c.OnTranscript = func(fragment string, isUser bool) {
			mu.Lock()
			got = append(got, frag{fragment, isUser})
			mu.Unlock()
			seen <- struct{}{}
		}
	})
	done := r.start(t, context.Background())

	r.sess.Emit(s2s.Event{Type: s2s.EventOutputTranscript, Text: "Hi"})
	r.sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "Hello"})
	for range 2 {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatal("transcript callback not called")
		}
	}
	if entries := r.ctrl.Transcript(); len(entries) != 2 {
		t.Errorf("Transcript() = %v", entries)
	}
	r.ctrl.End()
	await(t, done)

	mu.Lock()
	defer mu.Unlock()
	want := []frag{{"Hi", false}, {"Hello", true}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("fragments = %+v, want %+v", got, want)
	}
}

func TestController_AccessorsBeforeRun(t *testing.T) {
	t.Parallel()

	r := newControllerRig(t, nil)
	if r.ctrl.State() != session.StateIdle || r.ctrl.IsConnected() || r.ctrl.IsSpeaking() {
		t.Error("fresh controller reports activity")
	}
	if r.ctrl.Volume() != 0 || r.ctrl.Transcript() != nil {
		t.Error("fresh controller reports data")
	}
	r.ctrl.End()
	r.ctrl.End()
}

func TestDefaultPrimingText(t *testing.T) {
	t.Parallel()

	if session.DefaultPrimingText("EN") == session.DefaultPrimingText("zh") {
		t.Error("English and Chinese priming texts are identical")
	}
	if session.DefaultPrimingText("fr") != session.DefaultPrimingText("zh") {
		t.Error("unknown language should fall back to Chinese")
	}
}
