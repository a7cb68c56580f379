package app

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/insightflow/internal/session"
	"github.com/MrWong99/insightflow/internal/transcript"
)

// ErrInterviewActive is returned when an interview is started while another
// one is still running.
var ErrInterviewActive = errors.New("app: an interview is already running")

// ErrNoInterview is returned when there is no running interview to act on.
var ErrNoInterview = errors.New("app: no interview running")

// liveInterview is the part of [session.Controller] the manager observes.
type liveInterview interface {
	End()
	State() session.State
	IsSpeaking() bool
	Volume() float64
	Transcript() []transcript.Entry
}

// SessionInfo holds metadata about the running interview.
type SessionInfo struct {
	// SessionID is the unique identifier for this interview.
	SessionID string

	// PlanTitle is the title of the research plan driving it.
	PlanTitle string

	// Language is the interview language.
	Language string

	// StartedAt is when the interview was started.
	StartedAt time.Time
}

// Snapshot is a point-in-time view of the running interview.
type Snapshot struct {
	SessionInfo
	State      session.State
	Speaking   bool
	Volume     float64
	Transcript []transcript.Entry
}

// SessionManager tracks the single running interview so that the status
// server can observe and end it. Only one interview can be active at a time.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo
	ctrl   liveInterview
}

// NewSessionManager returns an idle [SessionManager].
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// begin registers ctrl as the running interview.
func (sm *SessionManager) begin(info SessionInfo, ctrl liveInterview) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active {
		return ErrInterviewActive
	}
	sm.active = true
	sm.info = info
	sm.ctrl = ctrl
	return nil
}

// finish clears the running interview.
func (sm *SessionManager) finish() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.active = false
	sm.info = SessionInfo{}
	sm.ctrl = nil
}

// IsActive reports whether an interview is running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns the running interview's metadata and whether one is running.
func (sm *SessionManager) Info() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active
}

// Snapshot returns the live state of the running interview.
func (sm *SessionManager) Snapshot() (Snapshot, bool) {
	sm.mu.Lock()
	info, ctrl, active := sm.info, sm.ctrl, sm.active
	sm.mu.Unlock()
	if !active {
		return Snapshot{}, false
	}
	return Snapshot{
		SessionInfo: info,
		State:       ctrl.State(),
		Speaking:    ctrl.IsSpeaking(),
		Volume:      ctrl.Volume(),
		Transcript:  ctrl.Transcript(),
	}, true
}

// End asks the running interview to finish. Returns [ErrNoInterview] when
// nothing is running.
func (sm *SessionManager) End() error {
	sm.mu.Lock()
	ctrl, active := sm.ctrl, sm.active
	sm.mu.Unlock()
	if !active {
		return ErrNoInterview
	}
	ctrl.End()
	return nil
}
