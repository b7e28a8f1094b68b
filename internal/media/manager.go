package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type ManagerConfig struct {
	Self     string
	Signal   Signaler
	NewPeer  PeerFactory
	Devices  DeviceAcquirer
	Timeout  time.Duration
	OnChange func(remote string, state State, err error)
	Logger   *zap.Logger
}

// Manager owns the negotiations of one client in one call. The host offers to
// every connected participant; a participant answers the host.
type Manager struct {
	config ManagerConfig
	logger *zap.Logger

	mu          sync.Mutex
	hostID      string
	negotiators map[string]*Negotiator
	local       LocalMedia
	micMuted    bool
	cameraOff   bool
	closed      bool
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Self == "" {
		return nil, errors.New("media manager requires the local user id")
	}
	if cfg.Signal == nil {
		return nil, errors.New("media manager requires a signaler")
	}
	if cfg.NewPeer == nil {
		return nil, errors.New("media manager requires a peer factory")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:      cfg,
		logger:      logger.With(zap.String("user_id", cfg.Self)),
		negotiators: make(map[string]*Negotiator),
	}, nil
}

// AcquireDevices opens local capture and renegotiates every existing pair so
// the new tracks are sent. A failure concerns this client only.
func (m *Manager) AcquireDevices(ctx context.Context, request DeviceRequest) (LocalMedia, error) {
	if m.config.Devices == nil {
		return nil, calls.Fail(calls.ErrMediaAcquisitionFailed, "no capture devices configured")
	}
	local, err := m.config.Devices.Acquire(ctx, request)
	if err != nil {
		if errors.Is(err, calls.ErrMediaAcquisitionFailed) {
			return nil, err
		}
		return nil, calls.Failf(calls.ErrMediaAcquisitionFailed, "%v", err)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = local.Close()
		return nil, calls.Fail(calls.ErrMediaAcquisitionFailed, "media manager closed")
	}
	previous := m.local
	m.local = local
	local.SetMicMuted(m.micMuted)
	local.SetCameraEnabled(!m.cameraOff)
	negotiators := lo.Values(m.negotiators)
	m.mu.Unlock()

	for _, negotiator := range negotiators {
		if err := negotiator.Renegotiate(); err != nil {
			m.logger.Warn("renegotiation failed", zap.String("remote_id", negotiator.Remote()), zap.Error(err))
		}
	}
	if previous != nil {
		_ = previous.Close()
	}
	return local, nil
}

// SetMicMuted mutes the local microphone. It needs no permission.
func (m *Manager) SetMicMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.micMuted = muted
	if m.local != nil {
		m.local.SetMicMuted(muted)
	}
}

// SetCameraEnabled follows the host's camera decision for this client. The
// decision also holds for devices acquired later.
func (m *Manager) SetCameraEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cameraOff = !enabled
	if m.local != nil {
		m.local.SetCameraEnabled(enabled)
	}
}

// Sync reconciles negotiations with the participant list. A pair negotiates
// once both ends are connected; pairs whose remote has left are dropped.
func (m *Manager) Sync(hostID string, participants []Participant) {
	connected := lo.SliceToMap(
		lo.Filter(participants, func(p Participant, _ int) bool { return p.Connected }),
		func(p Participant) (string, bool) { return p.UserID, true },
	)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.hostID = hostID
	wanted := map[string]bool{}
	if connected[m.config.Self] {
		if m.config.Self == hostID {
			for userID := range connected {
				if userID != m.config.Self {
					wanted[userID] = true
				}
			}
		} else if connected[hostID] {
			wanted[hostID] = true
		}
	}
	var stale []*Negotiator
	for remote, negotiator := range m.negotiators {
		if !wanted[remote] {
			stale = append(stale, negotiator)
			delete(m.negotiators, remote)
		}
	}
	var started []*Negotiator
	if m.config.Self == hostID {
		for remote := range wanted {
			if _, exists := m.negotiators[remote]; !exists {
				negotiator := m.newNegotiator(remote, true)
				m.negotiators[remote] = negotiator
				started = append(started, negotiator)
			}
		}
	}
	m.mu.Unlock()

	for _, negotiator := range stale {
		negotiator.Close()
	}
	for _, negotiator := range started {
		if err := negotiator.Start(); err != nil {
			m.logger.Warn("negotiation did not start", zap.String("remote_id", negotiator.Remote()), zap.Error(err))
		}
	}
}

// Participant is the slice of registry state the manager needs.
type Participant struct {
	UserID    string
	Connected bool
}

// ParticipantsFrom adapts the registry's participant list.
func ParticipantsFrom(participants []calls.Participant) []Participant {
	return lo.Map(participants, func(p calls.Participant, _ int) Participant {
		return Participant{UserID: p.UserID, Connected: p.ConnectionState == calls.ConnectionConnected}
	})
}

// HandleSignal routes a relayed signaling message to its pair.
func (m *Manager) HandleSignal(message protocol.Message) error {
	switch signal := message.(type) {
	case protocol.RTCOffer:
		negotiator, err := m.answerer(signal.From)
		if err != nil {
			return err
		}
		return negotiator.HandleOffer(signal.SDP)
	case protocol.RTCAnswer:
		negotiator, ok := m.negotiator(signal.From)
		if !ok {
			return calls.Failf(calls.ErrInvalidRequest, "no negotiation with %s", signal.From)
		}
		return negotiator.HandleAnswer(signal.SDP)
	case protocol.RTCCandidate:
		negotiator, ok := m.negotiator(signal.From)
		if !ok {
			if m.offering() {
				return nil
			}
			var err error
			if negotiator, err = m.answerer(signal.From); err != nil {
				return err
			}
		}
		return negotiator.HandleCandidate(Candidate{
			Candidate:     signal.Candidate,
			SDPMid:        signal.SDPMid,
			SDPMLineIndex: signal.SDPMLineIndex,
		})
	case protocol.RTCHangup:
		negotiator, ok := m.negotiator(signal.From)
		if !ok {
			return nil
		}
		negotiator.HandleHangup()
		if signal.Restart && m.offering() {
			return negotiator.Start()
		}
		return nil
	}
	return calls.Failf(calls.ErrInvalidRequest, "%s is not a signaling message", message.MessageType())
}

// Retry restarts a failed pair.
func (m *Manager) Retry(remote string) error {
	negotiator, ok := m.negotiator(remote)
	if !ok {
		return calls.Failf(calls.ErrInvalidRequest, "no negotiation with %s", remote)
	}
	return negotiator.Retry()
}

// State reports the negotiation state with remote. A pair that does not
// exist is idle.
func (m *Manager) State(remote string) (State, error) {
	negotiator, ok := m.negotiator(remote)
	if !ok {
		return StateIdle, nil
	}
	return negotiator.State()
}

// Remotes lists the users this client is negotiating with.
func (m *Manager) Remotes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Keys(m.negotiators)
}

// Close hangs up every pair and releases local devices.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	negotiators := lo.Values(m.negotiators)
	m.negotiators = make(map[string]*Negotiator)
	local := m.local
	m.local = nil
	m.mu.Unlock()

	for _, negotiator := range negotiators {
		negotiator.Hangup()
	}
	if local != nil {
		_ = local.Close()
	}
}

func (m *Manager) negotiator(remote string) (*Negotiator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	negotiator, ok := m.negotiators[remote]
	return negotiator, ok
}

// Local returns the acquired capture, or nil before AcquireDevices succeeds.
func (m *Manager) Local() LocalMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *Manager) offering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hostID == m.config.Self
}

func (m *Manager) answerer(remote string) (*Negotiator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, calls.Fail(calls.ErrPeerConnectionFailed, "media manager closed")
	}
	if m.hostID != "" && remote != m.hostID {
		return nil, calls.Failf(calls.ErrForbidden, "only the host offers media, not %s", remote)
	}
	if negotiator, ok := m.negotiators[remote]; ok {
		return negotiator, nil
	}
	negotiator := m.newNegotiator(remote, false)
	m.negotiators[remote] = negotiator
	return negotiator, nil
}

func (m *Manager) newNegotiator(remote string, offerer bool) *Negotiator {
	return NewNegotiator(NegotiatorConfig{
		Remote:   remote,
		Offerer:  offerer,
		NewPeer:  m.config.NewPeer,
		Signal:   m.config.Signal,
		Timeout:  m.config.Timeout,
		Local:    m.Local,
		OnChange: m.config.OnChange,
		Logger:   m.logger,
	})
}
