package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/types"
)

var (
	// ErrUnknownParticipant is returned for participants that never joined.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrClockRegression is returned when a participant's clock moves
	// backwards. The session is flagged and the stamp is not recorded.
	ErrClockRegression = errors.New("participant clock regressed")
)

const observerBuffer = 64

// Config holds the heartbeat thresholds.
type Config struct {
	// ReconnectAfter marks a session reconnecting when no heartbeat arrived
	// within this window.
	ReconnectAfter time.Duration
	// DisconnectAfter removes the session from the roster. Its clock is kept.
	DisconnectAfter time.Duration
	// SweepInterval is how often Start checks the thresholds.
	SweepInterval time.Duration
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		ReconnectAfter:  10 * time.Second,
		DisconnectAfter: 45 * time.Second,
		SweepInterval:   2 * time.Second,
	}
}

// Option customises a Manager.
type Option func(*Manager)

// WithNow replaces the wall clock, mainly for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager tracks the participants of one board: their last known causal
// clock, connection status and cursor.
type Manager struct {
	document types.DocumentID
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	sessions  map[types.ParticipantID]*types.Session
	observers map[int]chan types.Session
	nextObs   int
	stopped   bool
}

// NewManager constructs a Manager for the board.
func NewManager(document types.DocumentID, cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.ReconnectAfter <= 0 {
		cfg.ReconnectAfter = defaults.ReconnectAfter
	}
	if cfg.DisconnectAfter <= cfg.ReconnectAfter {
		cfg.DisconnectAfter = cfg.ReconnectAfter + defaults.DisconnectAfter - defaults.ReconnectAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	m := &Manager{
		document:  document,
		cfg:       cfg,
		logger:    logger.With().Str("document", string(document)).Logger(),
		now:       time.Now,
		sessions:  make(map[types.ParticipantID]*types.Session),
		observers: make(map[int]chan types.Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join marks the participant connected. A returning participant keeps the
// clock recorded for it before it left.
func (m *Manager) Join(participant types.ParticipantID) types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[participant]
	if !ok {
		sess = &types.Session{Participant: participant, Clock: make(types.VectorClock)}
		m.sessions[participant] = sess
	}
	sess.Status = types.StatusConnected
	sess.LastSeen = m.now()
	m.publishLocked(sess)

	m.logger.Debug().Str("participant", string(participant)).Bool("returning", ok).Msg("participant joined")
	return sess.Clone()
}

// Heartbeat records liveness for a participant that joined earlier.
func (m *Manager) Heartbeat(participant types.ParticipantID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[participant]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participant)
	}
	sess.LastSeen = m.now()
	if sess.Status != types.StatusConnected {
		sess.Status = types.StatusConnected
		m.publishLocked(sess)
	}
	return nil
}

// Leave removes the participant from the roster and keeps its clock.
func (m *Manager) Leave(participant types.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[participant]
	if !ok || sess.Status == types.StatusDisconnected {
		return
	}
	sess.Status = types.StatusDisconnected
	sess.Cursor = nil
	m.publishLocked(sess)
}

// UpdateCursor stores the participant's pointer position.
func (m *Manager) UpdateCursor(participant types.ParticipantID, cursor *types.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[participant]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participant)
	}
	if cursor == nil {
		sess.Cursor = nil
	} else {
		c := *cursor
		sess.Cursor = &c
	}
	m.publishLocked(sess)
	return nil
}

// ObserveClock records the latest stamp authored by the participant. A
// stamp with any entry lower than the recorded one is rejected and the
// session is flagged. Participants not seen before are tracked without
// entering the roster.
func (m *Manager) ObserveClock(participant types.ParticipantID, stamp types.VectorClock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[participant]
	if !ok {
		sess = &types.Session{
			Participant: participant,
			Clock:       stamp.Clone(),
			Status:      types.StatusDisconnected,
		}
		m.sessions[participant] = sess
		return nil
	}
	for p, recorded := range sess.Clock {
		if stamp[p] < recorded {
			if !sess.Flagged {
				sess.Flagged = true
				m.publishLocked(sess)
			}
			regressionTotal.Inc()
			m.logger.Warn().
				Str("participant", string(participant)).
				Str("recorded", sess.Clock.String()).
				Str("stamp", stamp.String()).
				Msg("clock regression")
			return fmt.Errorf("%w: %s entry %s went from %d to %d", ErrClockRegression, participant, p, recorded, stamp[p])
		}
	}
	sess.Clock.Merge(stamp)
	return nil
}

// Session returns the tracked session for the participant.
func (m *Manager) Session(participant types.ParticipantID) (types.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[participant]
	if !ok {
		return types.Session{}, false
	}
	return sess.Clone(), true
}

// Roster returns connected and reconnecting sessions ordered by participant.
func (m *Manager) Roster() []types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.Status == types.StatusDisconnected {
			continue
		}
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}

// Observe streams every session change until ctx ends or the manager stops.
// Each call gets its own channel. Changes are dropped for an observer whose
// buffer is full.
func (m *Manager) Observe(ctx context.Context) <-chan types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan types.Session, observerBuffer)
	if m.stopped {
		close(ch)
		return ch
	}
	id := m.nextObs
	m.nextObs++
	m.observers[id] = ch

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if obs, ok := m.observers[id]; ok {
			delete(m.observers, id)
			close(obs)
		}
	}()
	return ch
}

// Start runs the timeout sweeper until ctx is cancelled, then closes every
// observer.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	defer m.stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep applies the heartbeat thresholds once.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, sess := range m.sessions {
		if sess.Status == types.StatusDisconnected {
			continue
		}
		silent := now.Sub(sess.LastSeen)
		next := sess.Status
		switch {
		case silent >= m.cfg.DisconnectAfter:
			next = types.StatusDisconnected
		case silent >= m.cfg.ReconnectAfter:
			next = types.StatusReconnecting
		}
		if next == sess.Status {
			continue
		}
		sess.Status = next
		if next == types.StatusDisconnected {
			sess.Cursor = nil
			timeoutTotal.Inc()
		}
		m.logger.Info().
			Str("participant", string(sess.Participant)).
			Str("status", string(next)).
			Dur("silent", silent).
			Msg("session status changed")
		m.publishLocked(sess)
	}
}

func (m *Manager) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	for id, ch := range m.observers {
		delete(m.observers, id)
		close(ch)
	}
}

func (m *Manager) publishLocked(sess *types.Session) {
	rosterGauge.WithLabelValues(string(m.document)).Set(float64(m.rosterSizeLocked()))
	update := sess.Clone()
	for _, ch := range m.observers {
		select {
		case ch <- update:
		default:
			droppedUpdates.Inc()
			m.logger.Warn().Str("participant", string(sess.Participant)).Msg("presence observer buffer full")
		}
	}
}

func (m *Manager) rosterSizeLocked() int {
	n := 0
	for _, sess := range m.sessions {
		if sess.Status != types.StatusDisconnected {
			n++
		}
	}
	return n
}
