package client

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// State 通话状态。
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateActive
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	}
	return "idle"
}

// SignalSender 把本端信令发往服务器（HTTP 层实现）。
type SignalSender interface {
	SendCallOffer(to string, signal models.CallSignal, name string) error
	SendCallAnswer(to string, answer models.CallSignal) error
	SendICECandidate(to string, c models.IceCandidatePayload) error
	SendEndCall(to string) error
}

// endedStatusGrace 通话结束后状态文案的保留时长。
const endedStatusGrace = 3 * time.Second

// CallMachine 为单路通话的状态机：idle -> calling/ringing -> active -> ending -> idle。
// 并发防护：
//   - 所有入口（用户操作、远端事件、定时器、连接回调）持同一把锁
//   - gen 为代际计数，每次通话拆除时递增；异步回调捕获发起时的代际，
//     执行前校验，旧通话的延迟回调不会影响新通话
type CallMachine struct {
	mu  sync.Mutex
	gen uint64

	state    State
	remoteID string
	isVideo  bool
	peer     Peer
	stream   MediaStream

	factory PeerFactory
	media   MediaDevices
	signals SignalSender

	displayName string
	ringTimeout time.Duration // 0 表示不超时

	pendingOffer      *models.CallUserPayload
	pendingCandidates []models.IceCandidatePayload
	iceRestarted      bool
	ringTimer         *time.Timer

	status   string
	onStatus func(status string)
}

func NewCallMachine(factory PeerFactory, media MediaDevices, signals SignalSender, displayName string, ringTimeout time.Duration, onStatus func(string)) *CallMachine {
	return &CallMachine{
		factory:     factory,
		media:       media,
		signals:     signals,
		displayName: displayName,
		ringTimeout: ringTimeout,
		onStatus:    onStatus,
	}
}

func (m *CallMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InCall 报告是否处于通话相关状态（传输选择器据此调快轮询）。
func (m *CallMachine) InCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateCalling || m.state == StateRinging || m.state == StateActive
}

func (m *CallMachine) setStatus(s string) {
	m.status = s
	if m.onStatus != nil {
		m.onStatus(s)
	}
}

// Initiate 发起呼叫：采集媒体、建连、发送 offer，进入 calling。
func (m *CallMachine) Initiate(remoteID string, video bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle && m.state != StateEnding {
		return fmt.Errorf("cannot initiate call in state %s", m.state)
	}

	stream, err := m.media.Acquire(video)
	if err != nil {
		return fmt.Errorf("media acquire: %w", err)
	}
	gen := m.gen
	peer, err := m.factory.NewPeer(m.callbacks(gen, remoteID))
	if err != nil {
		stream.Release()
		return fmt.Errorf("peer create: %w", err)
	}
	offer, err := peer.CreateOffer(false)
	if err != nil {
		peer.Close()
		stream.Release()
		return err
	}
	offer.IsVideo = video
	if err := m.signals.SendCallOffer(remoteID, offer, m.displayName); err != nil {
		peer.Close()
		stream.Release()
		return err
	}

	m.state = StateCalling
	m.remoteID = remoteID
	m.isVideo = video
	m.peer = peer
	m.stream = stream
	m.iceRestarted = false
	m.setStatus("connecting")
	m.armRingTimer(gen)
	log.Printf("call initiate remote=%s video=%v", remoteID, video)
	return nil
}

// Answer 接听当前振铃的来电：此刻才采集媒体与建连，应用缓存的候选。
func (m *CallMachine) Answer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRinging || m.pendingOffer == nil {
		return fmt.Errorf("no ringing call to answer")
	}
	offer := m.pendingOffer

	stream, err := m.media.Acquire(offer.Signal.IsVideo)
	if err != nil {
		return fmt.Errorf("media acquire: %w", err)
	}
	gen := m.gen
	peer, err := m.factory.NewPeer(m.callbacks(gen, offer.From))
	if err != nil {
		stream.Release()
		return fmt.Errorf("peer create: %w", err)
	}
	answer, err := peer.CreateAnswer(offer.Signal)
	if err != nil {
		peer.Close()
		stream.Release()
		return err
	}
	if err := m.signals.SendCallAnswer(offer.From, answer); err != nil {
		peer.Close()
		stream.Release()
		return err
	}

	m.peer = peer
	m.stream = stream
	m.state = StateActive
	m.isVideo = offer.Signal.IsVideo
	m.iceRestarted = false
	m.pendingOffer = nil
	m.cancelRingTimer()
	m.setStatus("connecting")

	// 振铃期间先于接听到达的候选此刻补应用
	for _, c := range m.pendingCandidates {
		if err := peer.AddICECandidate(c); err != nil {
			log.Printf("buffered candidate apply failed err=%v", err)
		}
	}
	m.pendingCandidates = nil
	log.Printf("call answered remote=%s", m.remoteID)
	return nil
}

// Decline 拒接当前振铃的来电。
func (m *CallMachine) Decline() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRinging {
		return fmt.Errorf("no ringing call to decline")
	}
	remote := m.remoteID
	m.teardown("call declined")
	if err := m.signals.SendEndCall(remote); err != nil {
		log.Printf("send end_call failed remote=%s err=%v", remote, err)
	}
	return nil
}

// Hangup 挂断：calling/ringing/active 任一状态均可，先通知远端再拆除。
func (m *CallMachine) Hangup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle || m.state == StateEnding {
		return nil
	}
	remote := m.remoteID
	m.teardown("call ended")
	if err := m.signals.SendEndCall(remote); err != nil {
		log.Printf("send end_call failed remote=%s err=%v", remote, err)
	}
	return nil
}

// HandleEvent 处理服务器下发的呼叫类事件；非呼叫类事件忽略。
func (m *CallMachine) HandleEvent(ev *models.Event) {
	payload, err := models.DecodePayload(ev)
	if err != nil {
		log.Printf("call event dropped: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch p := payload.(type) {
	case *models.CallUserPayload:
		m.handleCallUser(p)
	case *models.CallAcceptedPayload:
		m.handleCallAccepted(p)
	case *models.IceCandidatePayload:
		m.handleIceCandidate(p)
	case *models.EndCallPayload:
		m.handleEndCall(p)
	}
}

func (m *CallMachine) handleCallUser(p *models.CallUserPayload) {
	switch m.state {
	case StateIdle, StateEnding:
		m.state = StateRinging
		m.remoteID = p.From
		m.pendingOffer = p
		m.pendingCandidates = nil
		m.setStatus("incoming call from " + p.Name)
		m.armRingTimer(m.gen)
		log.Printf("call ringing from=%s video=%v", p.From, p.Signal.IsVideo)
	case StateActive:
		if p.From == m.remoteID && m.peer != nil {
			// 当前对端的重协商 offer（ICE 重启）
			answer, err := m.peer.CreateAnswer(p.Signal)
			if err != nil {
				log.Printf("renegotiation answer failed err=%v", err)
				return
			}
			if err := m.signals.SendCallAnswer(p.From, answer); err != nil {
				log.Printf("send renegotiation answer failed err=%v", err)
			}
			return
		}
		log.Printf("call_user ignored while active from=%s", p.From)
	default:
		// calling/ringing 期间的新来电不打断当前通话
		log.Printf("call_user ignored state=%s from=%s", m.state, p.From)
	}
}

func (m *CallMachine) handleCallAccepted(p *models.CallAcceptedPayload) {
	switch m.state {
	case StateCalling:
		if m.peer == nil {
			return
		}
		if err := m.peer.AcceptAnswer(models.CallSignal{Type: p.Type, SDP: p.SDP}); err != nil {
			log.Printf("accept answer failed err=%v", err)
			remote := m.remoteID
			m.teardown("connection failed")
			if err := m.signals.SendEndCall(remote); err != nil {
				log.Printf("send end_call failed remote=%s err=%v", remote, err)
			}
			return
		}
		m.state = StateActive
		m.cancelRingTimer()
		log.Printf("call accepted remote=%s", m.remoteID)
	case StateActive:
		// 重协商（ICE 重启）的应答：应用远端描述，不做状态迁移
		if m.peer == nil {
			return
		}
		if err := m.peer.AcceptAnswer(models.CallSignal{Type: p.Type, SDP: p.SDP}); err != nil {
			log.Printf("renegotiation accept failed err=%v", err)
			m.setStatus("connection failed")
			return
		}
		log.Printf("renegotiation answer applied remote=%s", m.remoteID)
	default:
		log.Printf("call_accepted ignored state=%s", m.state)
	}
}

func (m *CallMachine) handleIceCandidate(p *models.IceCandidatePayload) {
	if p.Candidate == nil && p.SDPMid == nil && p.SDPMLineIndex == nil {
		log.Printf("malformed ice candidate dropped from=%s", p.From)
		return
	}
	switch m.state {
	case StateRinging:
		// 尚未建连，缓存到接听时应用
		m.pendingCandidates = append(m.pendingCandidates, *p)
	case StateCalling, StateActive:
		if m.peer == nil {
			return
		}
		if err := m.peer.AddICECandidate(*p); err != nil {
			log.Printf("add candidate failed err=%v", err)
		}
	default:
		// 通话已结束，迟到候选丢弃
	}
}

func (m *CallMachine) handleEndCall(p *models.EndCallPayload) {
	if m.state == StateIdle || m.state == StateEnding {
		return
	}
	if p.From != m.remoteID {
		log.Printf("end_call ignored from=%s current=%s", p.From, m.remoteID)
		return
	}
	log.Printf("call ended by remote=%s", p.From)
	m.teardown("call ended")
}

// callbacks 构造对等连接回调；所有回调先校验代际再动作。
func (m *CallMachine) callbacks(gen uint64, remoteID string) PeerCallbacks {
	return PeerCallbacks{
		OnICECandidate: func(c models.IceCandidatePayload) {
			m.mu.Lock()
			stale := m.gen != gen
			m.mu.Unlock()
			if stale {
				return
			}
			if err := m.signals.SendICECandidate(remoteID, c); err != nil {
				log.Printf("send candidate failed err=%v", err)
			}
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.gen != gen {
				return
			}
			m.handleConnectionState(state)
		},
	}
}

func (m *CallMachine) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.iceRestarted = false
		m.setStatus("call in progress")
	case webrtc.PeerConnectionStateDisconnected:
		m.setStatus("connection lost")
	case webrtc.PeerConnectionStateFailed:
		if m.state != StateActive || m.peer == nil {
			return
		}
		if m.iceRestarted {
			// 重启后仍失败：降级提示，由用户决定是否挂断
			m.setStatus("connection failed")
			return
		}
		m.iceRestarted = true
		offer, err := m.peer.CreateOffer(true)
		if err != nil {
			log.Printf("ice restart offer failed err=%v", err)
			m.setStatus("connection failed")
			return
		}
		offer.IsVideo = m.isVideo
		if err := m.signals.SendCallOffer(m.remoteID, offer, m.displayName); err != nil {
			log.Printf("ice restart send failed err=%v", err)
			m.setStatus("connection failed")
			return
		}
		log.Printf("ice restart remote=%s", m.remoteID)
	}
}

// armRingTimer 启动振铃/呼出超时；到期时旧代际的定时器不生效。
func (m *CallMachine) armRingTimer(gen uint64) {
	if m.ringTimeout <= 0 {
		return
	}
	m.cancelRingTimer()
	m.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			return
		}
		if m.state != StateCalling && m.state != StateRinging {
			return
		}
		remote := m.remoteID
		reason := "no answer"
		if m.state == StateRinging {
			reason = "missed call"
		}
		log.Printf("ring timeout state=%s remote=%s", m.state, remote)
		m.teardown(reason)
		if err := m.signals.SendEndCall(remote); err != nil {
			log.Printf("send end_call failed remote=%s err=%v", remote, err)
		}
	})
}

func (m *CallMachine) cancelRingTimer() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// teardown 拆除通话（调用方持锁）：释放媒体、关闭对等连接、代际递增。
// 结束文案保留一段时间后清空。
func (m *CallMachine) teardown(status string) {
	if m.peer != nil {
		m.peer.Close()
		m.peer = nil
	}
	if m.stream != nil {
		m.stream.Release()
		m.stream = nil
	}
	m.cancelRingTimer()
	m.pendingOffer = nil
	m.pendingCandidates = nil
	m.iceRestarted = false
	m.remoteID = ""
	m.gen++
	m.state = StateEnding
	m.setStatus(status)

	gen := m.gen
	time.AfterFunc(endedStatusGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen || m.state != StateEnding {
			return
		}
		m.state = StateIdle
		m.setStatus("")
	})
}
