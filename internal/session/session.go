// Package session implements the playback-synchronization engine. One
// peer per session is the authority (host): its replicated SessionState is
// ground truth, every broadcast bumps the state version, and participants
// only ever touch their local sink inside the snapshot-apply pipeline.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/tunelink/internal/clock"
	"github.com/petervdpas/tunelink/internal/config"
	"github.com/petervdpas/tunelink/internal/proto"
	"github.com/petervdpas/tunelink/internal/sink"
	"github.com/petervdpas/tunelink/internal/state"
	"github.com/petervdpas/tunelink/internal/transport"
	"github.com/petervdpas/tunelink/internal/util"
)

// Role is fixed when a session is entered and never renegotiated.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleParticipant:
		return "participant"
	default:
		return "none"
	}
}

// Phase is the session lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "idle"
	}
}

// Callbacks are the collaborators injected by the embedding application.
// Every field may be nil.
type Callbacks struct {
	// TrackMeta supplies display metadata for a media id.
	TrackMeta func(mediaID string) (title, artist, artURL string, ok bool)
	// DisplayName and Avatar describe the local user for Join events.
	DisplayName func() string
	Avatar      func() string
	UID         func() string
	// Notify surfaces remote-triggered actions to the user.
	Notify func(text string)
}

// appliedRecord remembers the outcome of the last snapshot apply for the
// dedup window.
type appliedRecord struct {
	valid   bool
	mediaID string
	status  state.PlaybackStatus
	pos     int64
	at      time.Time
}

// Session is the synchronization engine for one session. Create one with
// New, enter it with StartSession or JoinSession, leave with StopSession.
type Session struct {
	cfg    config.Sync
	tr     transport.Channel
	snk    sink.Sink
	clk    *clock.Engine
	cb     Callbacks
	selfID string
	roster *state.Roster

	mu    sync.Mutex
	role  Role
	phase Phase
	st    state.SessionState

	lastAppliedVersion uint64
	lastApplied        appliedRecord

	// Advisory token: the snapshot version currently being applied.
	// Protects the window where the apply has released the lock to issue
	// sink commands.
	applying    uint64
	applyingSet bool

	playback  state.PlaybackState
	echoUntil time.Time

	// Host-side request coalescing.
	pending      []pendingRequest
	pendingTimer *time.Timer

	// Cancels a scheduled future start or pre-buffer settle.
	schedCancel context.CancelFunc

	pongs chan *proto.Pong
	// pendingPing is the id of the heartbeat ping currently awaiting its
	// pong. Pongs ride the shared session topic, so every member sees the
	// answers addressed to every other member; only the pong matching our
	// own outstanding ping is a valid clock sample.
	pendingPing string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingRequest struct {
	ev   proto.Event
	from string
}

// New wires a session engine to its collaborators. selfID is the local
// transport identity used to tag outgoing requests; it may be empty.
func New(cfg config.Sync, tr transport.Channel, snk sink.Sink, clk *clock.Engine, selfID string, cb Callbacks) *Session {
	return &Session{
		cfg:    cfg,
		tr:     tr,
		snk:    snk,
		clk:    clk,
		cb:     cb,
		selfID: selfID,
		roster: state.NewRoster(),
		pongs:  make(chan *proto.Pong, 4),
	}
}

// StartSession creates and hosts a new session, returning the join code.
func (s *Session) StartSession(ctx context.Context) (string, error) {
	if err := s.enter(RoleHost); err != nil {
		return "", err
	}

	code, err := s.tr.Connect(ctx, "")
	if err != nil {
		s.leave()
		return "", fmt.Errorf("connect transport: %w", err)
	}

	s.mu.Lock()
	s.phase = PhaseConnected
	s.st = state.SessionState{
		SessionID:      code,
		IsAuthority:    true,
		PlaybackStatus: state.StatusPaused,
		PlaybackSpeed:  1.0,
		SyncStatus:     state.SyncReady,
	}
	s.mu.Unlock()

	s.startLoops()
	log.Printf("SESSION: Hosting session %s", code)
	return code, nil
}

// JoinSession joins an existing session as a participant.
func (s *Session) JoinSession(ctx context.Context, code string) error {
	if err := s.enter(RoleParticipant); err != nil {
		return err
	}

	if _, err := s.tr.Connect(ctx, code); err != nil {
		s.leave()
		return fmt.Errorf("connect transport: %w", err)
	}

	s.mu.Lock()
	s.phase = PhaseConnected
	s.st = state.SessionState{
		SessionID:      code,
		PlaybackStatus: state.StatusPaused,
		PlaybackSpeed:  1.0,
		SyncStatus:     state.SyncWaiting,
	}
	s.mu.Unlock()

	s.startLoops()
	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.driftLoop()

	// Announce ourselves and ask for the current state.
	s.send(&proto.Join{Name: s.displayName(), Avatar: s.avatar(), UID: s.uid()})
	s.send(&proto.RequestState{Sender: s.selfID, Name: s.displayName(), Avatar: s.avatar()})

	log.Printf("SESSION: Joined session %s", code)
	return nil
}

// StopSession leaves the session and returns to idle.
func (s *Session) StopSession() {
	s.teardown("", false)
}

// enter transitions Idle → Connecting with the given role.
func (s *Session) enter(role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle {
		return fmt.Errorf("session already active (%s)", s.phase)
	}
	s.role = role
	s.phase = PhaseConnecting
	s.lastAppliedVersion = 0
	s.lastApplied = appliedRecord{}
	s.playback = state.PlaybackState{}
	s.clk.Reset()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return nil
}

// leave reverts a failed enter.
func (s *Session) leave() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.role = RoleNone
	s.phase = PhaseIdle
	s.mu.Unlock()
}

func (s *Session) startLoops() {
	s.wg.Add(1)
	go s.run()
}

// run funnels every asynchronous source — transport events and sink
// snapshots — into one ordered intake. Nothing outside this goroutine
// reacts to those sources directly.
func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-s.tr.Events():
			if !ok {
				return
			}
			s.handleTransport(evt)
		case ps, ok := <-s.snk.States():
			if !ok {
				return
			}
			s.handleSinkState(ps)
		}
	}
}

func (s *Session) handleTransport(evt transport.Event) {
	switch evt.Type {
	case transport.EventMessage:
		ev, ts, err := proto.Decode(evt.Data)
		if err != nil {
			log.Printf("SESSION: Dropping undecodable event from %s: %v", evt.From, err)
			return
		}
		s.handleEvent(ev, ts, evt.From)

	case transport.EventPeers:
		s.handlePeersChanged(evt.Peers)

	case transport.EventState:
		if evt.State == transport.Disconnected {
			s.mu.Lock()
			active := s.phase == PhaseConnected
			s.mu.Unlock()
			if active {
				s.teardown("connection lost", true)
			}
		}

	case transport.EventSession:
		s.mu.Lock()
		if s.st.SessionID == "" {
			s.st.SessionID = evt.SessionID
		}
		s.mu.Unlock()
	}
}

// handleEvent dispatches one decoded protocol event.
func (s *Session) handleEvent(ev proto.Event, ts int64, from string) {
	switch e := ev.(type) {
	case *proto.StateSync:
		s.mu.Lock()
		role := s.role
		s.mu.Unlock()
		if role != RoleParticipant {
			// Hosts never accept replica state; their own is ground truth.
			log.Printf("SESSION: Ignoring StateSync from %s (not a participant)", from)
			return
		}
		s.applySnapshot(e.State)

	case *proto.Play:
		s.handleControlRequest(ev, from)
	case *proto.Pause:
		s.handleControlRequest(ev, from)
	case *proto.Seek:
		s.handleControlRequest(ev, from)

	case *proto.RequestState:
		if e.Name != "" || e.Avatar != "" {
			s.roster.Upsert(from, e.Name, e.Avatar, "")
		}
		s.hostAnswerStateRequest(from)

	case *proto.Join:
		s.roster.Upsert(from, e.Name, e.Avatar, e.UID)
		s.notify(fmt.Sprintf("%s joined the session", nameOr(e.Name, from)))
		s.hostAnswerStateRequest(from)

	case *proto.Ping:
		s.hostAnswerPing(e, from)

	case *proto.Pong:
		recv := util.NowMillis()
		s.mu.Lock()
		mine := e.ID != "" && e.ID == s.pendingPing
		s.mu.Unlock()
		// A foreign pong carries another peer's ClientTime; feeding it to
		// the clock would mix that peer's local clock into our offset.
		if mine {
			if s.clk.RecordRoundTrip(e.ClientTime, e.ServerRecvTime, e.ServerReplyTime, recv) {
				log.Printf("SESSION: Clock sample accepted (offset=%.1fms rtt=%dms)",
					s.clk.State().OffsetMs, s.clk.State().RTTMs)
			}
		}
		select {
		case s.pongs <- e:
		default:
		}
	}
	_ = ts
}

// handlePeersChanged reconciles the roster with the transport peer set and,
// on the host, greets newcomers with a fresh future-anchored snapshot.
func (s *Session) handlePeersChanged(peers []string) {
	s.mu.Lock()
	prev := map[string]bool{}
	for _, p := range s.st.ConnectedPeers {
		prev[p] = true
	}
	var newcomers []string
	for _, p := range peers {
		if !prev[p] {
			newcomers = append(newcomers, p)
		}
	}
	s.st.ConnectedPeers = append([]string(nil), peers...)
	role := s.role
	hasTrack := s.st.CurrentMediaID != ""
	s.mu.Unlock()

	s.roster.SetMembers(peers)

	if role == RoleHost && len(newcomers) > 0 && hasTrack {
		log.Printf("SESSION: %d new peer(s), broadcasting catch-up state", len(newcomers))
		s.hostBroadcastState()
	}
}

// handleSinkState records the sink's latest snapshot. Transitions inside
// the echo-suppression window were caused by the engine itself and are
// never reinterpreted as user intent.
func (s *Session) handleSinkState(ps state.PlaybackState) {
	s.mu.Lock()
	prev := s.playback
	s.playback = ps
	echoed := time.Now().Before(s.echoUntil)
	role := s.role
	s.mu.Unlock()

	if echoed || role != RoleHost {
		return
	}

	// The track running out on the host is a real state change the
	// replicas need to hear about.
	if prev.IsPlaying && !ps.IsPlaying && ps.Phase == state.PhaseEnded {
		log.Printf("SESSION: Track ended, broadcasting pause")
		s.authoritative(func(st *state.SessionState) {
			st.PlaybackStatus = state.StatusPaused
			st.PositionAtAnchor = ps.PositionMs
			st.TrackStartGlobalTime = util.NowMillis()
		})
	}
}

// globalNow is the session-wide clock: the host's own wall clock, or the
// participant's offset-corrected estimate of it.
func (s *Session) globalNow() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalNowLocked()
}

// globalNowLocked is globalNow for callers already holding mu.
func (s *Session) globalNowLocked() int64 {
	if s.role == RoleParticipant {
		return s.clk.Now()
	}
	return util.NowMillis()
}

// send encodes and transmits an event, stamping it with global time.
// Broadcast is fire-and-forget: a send failure is logged, never fatal.
func (s *Session) send(ev proto.Event) {
	data, err := proto.Encode(s.globalNow(), ev)
	if err != nil {
		log.Printf("SESSION: Encode %s failed: %v", ev.Kind(), err)
		return
	}
	if err := s.tr.Send(data); err != nil {
		log.Printf("SESSION: Send %s failed: %v", ev.Kind(), err)
	}
}

// teardown stops everything and returns to idle. With isError the status
// message survives into the idle state for the UI to show.
func (s *Session) teardown(msg string, isError bool) {
	s.mu.Lock()
	if s.phase == PhaseIdle {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	sched := s.schedCancel
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
	s.pending = nil
	s.schedCancel = nil
	s.role = RoleNone
	s.phase = PhaseIdle
	s.st = state.SessionState{}
	if isError {
		s.st.SyncStatus = state.SyncError
		s.st.StatusMessage = msg
	}
	s.lastApplied = appliedRecord{}
	s.lastAppliedVersion = 0
	s.applyingSet = false
	s.pendingPing = ""
	s.mu.Unlock()

	if sched != nil {
		sched()
	}
	if cancel != nil {
		cancel()
	}
	_ = s.snk.Pause()
	_ = s.tr.Disconnect()
	s.clk.Reset()
	s.roster.Clear()

	if isError {
		log.Printf("SESSION: Stopped (%s)", msg)
		s.notify("Session ended: " + msg)
	} else {
		log.Printf("SESSION: Stopped")
	}
}

// ── Accessors ────────────────────────────────────────────────────────────────

// State returns a copy of the current replicated session state.
func (s *Session) State() state.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Clone()
}

// Playback returns the latest local sink snapshot.
func (s *Session) Playback() state.PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playback
}

// Role returns the fixed session role.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Phase returns the lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Roster returns the session's peer roster.
func (s *Session) Roster() *state.Roster {
	return s.roster
}

// ── Small helpers ────────────────────────────────────────────────────────────

func (s *Session) displayName() string {
	if s.cb.DisplayName != nil {
		return s.cb.DisplayName()
	}
	return ""
}

func (s *Session) avatar() string {
	if s.cb.Avatar != nil {
		return s.cb.Avatar()
	}
	return ""
}

func (s *Session) uid() string {
	if s.cb.UID != nil {
		return s.cb.UID()
	}
	return ""
}

func (s *Session) notify(text string) {
	if s.cb.Notify != nil {
		s.cb.Notify(text)
	}
}

func (s *Session) trackMeta(mediaID string) (string, string, string) {
	if s.cb.TrackMeta != nil {
		if title, artist, art, ok := s.cb.TrackMeta(mediaID); ok {
			return title, artist, art
		}
	}
	return "", "", ""
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
