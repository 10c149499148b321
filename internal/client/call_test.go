package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sylaw2022/ChatApp/internal/models"
)

type fakePeer struct {
	mu           sync.Mutex
	offerRestart []bool
	answered     []models.CallSignal
	accepted     []models.CallSignal
	candidates   []models.IceCandidatePayload
	closed       bool
}

func (p *fakePeer) CreateOffer(iceRestart bool) (models.CallSignal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerRestart = append(p.offerRestart, iceRestart)
	return models.CallSignal{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(offer models.CallSignal) (models.CallSignal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answered = append(p.answered, offer)
	return models.CallSignal{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) AcceptAnswer(answer models.CallSignal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepted = append(p.accepted, answer)
	return nil
}

func (p *fakePeer) AddICECandidate(c models.IceCandidatePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	cbs   []PeerCallbacks
}

func (f *fakeFactory) NewPeer(cb PeerCallbacks) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	f.cbs = append(f.cbs, cb)
	return p, nil
}

func (f *fakeFactory) last() (*fakePeer, PeerCallbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1], f.cbs[len(f.cbs)-1]
}

type fakeStream struct {
	mu       sync.Mutex
	released bool
}

func (s *fakeStream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

type fakeMedia struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(video bool) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &fakeStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

type fakeSignals struct {
	mu         sync.Mutex
	offerTo    []string
	answerTo   []string
	candidates []models.IceCandidatePayload
	endTo      []string
}

func (s *fakeSignals) SendCallOffer(to string, signal models.CallSignal, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerTo = append(s.offerTo, to)
	return nil
}

func (s *fakeSignals) SendCallAnswer(to string, answer models.CallSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerTo = append(s.answerTo, to)
	return nil
}

func (s *fakeSignals) SendICECandidate(to string, c models.IceCandidatePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *fakeSignals) SendEndCall(to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endTo = append(s.endTo, to)
	return nil
}

func newTestMachine(ringTimeout time.Duration) (*CallMachine, *fakeFactory, *fakeMedia, *fakeSignals) {
	f := &fakeFactory{}
	media := &fakeMedia{}
	signals := &fakeSignals{}
	m := NewCallMachine(f, media, signals, "alice", ringTimeout, nil)
	return m, f, media, signals
}

func callEvent(t *testing.T, typ models.EventType, payload any) *models.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &models.Event{ID: "ev", Type: typ, Payload: raw}
}

func TestCallInitiateThenAccepted(t *testing.T) {
	m, f, _, signals := newTestMachine(0)
	if err := m.Initiate("bob", true); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if m.State() != StateCalling {
		t.Fatalf("state = %s, want calling", m.State())
	}
	if len(signals.offerTo) != 1 || signals.offerTo[0] != "bob" {
		t.Fatalf("offer not sent to bob: %v", signals.offerTo)
	}

	m.HandleEvent(callEvent(t, models.EventCallAccepted, models.CallAcceptedPayload{Type: "answer", SDP: "v=0"}))
	if m.State() != StateActive {
		t.Fatalf("state = %s, want active", m.State())
	}
	peer, _ := f.last()
	if len(peer.accepted) != 1 {
		t.Fatalf("answer not applied to peer")
	}
}

func TestCallRemoteEndReleasesMedia(t *testing.T) {
	m, f, media, _ := newTestMachine(0)
	if err := m.Initiate("bob", false); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	m.HandleEvent(callEvent(t, models.EventCallAccepted, models.CallAcceptedPayload{Type: "answer", SDP: "v=0"}))

	m.HandleEvent(callEvent(t, models.EventEndCall, models.EndCallPayload{From: "bob"}))
	if m.InCall() {
		t.Fatalf("still in call after remote end")
	}
	peer, _ := f.last()
	if !peer.closed {
		t.Fatalf("peer not closed")
	}
	if !media.streams[0].released {
		t.Fatalf("media not released")
	}
}

func TestCallUserIgnoredWhileActive(t *testing.T) {
	m, _, _, signals := newTestMachine(0)
	if err := m.Initiate("bob", false); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	m.HandleEvent(callEvent(t, models.EventCallAccepted, models.CallAcceptedPayload{Type: "answer", SDP: "v=0"}))

	m.HandleEvent(callEvent(t, models.EventCallUser, models.CallUserPayload{
		From: "carol", Signal: models.CallSignal{Type: "offer", SDP: "v=0"}, Name: "Carol",
	}))
	if m.State() != StateActive {
		t.Fatalf("state = %s, want active (call from third party must not interrupt)", m.State())
	}
	if len(signals.answerTo) != 0 {
		t.Fatalf("answer sent to third-party caller")
	}
}

func TestCallAnswerAppliesBufferedCandidates(t *testing.T) {
	m, f, _, signals := newTestMachine(0)
	m.HandleEvent(callEvent(t, models.EventCallUser, models.CallUserPayload{
		From: "bob", Signal: models.CallSignal{Type: "offer", SDP: "v=0", IsVideo: true}, Name: "Bob",
	}))
	if m.State() != StateRinging {
		t.Fatalf("state = %s, want ringing", m.State())
	}

	// 接听前到达的候选先缓存
	cand := "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"
	mid := "0"
	var idx uint16
	m.HandleEvent(callEvent(t, models.EventIceCandidate, models.IceCandidatePayload{
		From: "bob", Candidate: &cand, SDPMid: &mid, SDPMLineIndex: &idx,
	}))

	if err := m.Answer(); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %s, want active", m.State())
	}
	if len(signals.answerTo) != 1 || signals.answerTo[0] != "bob" {
		t.Fatalf("answer not sent to bob: %v", signals.answerTo)
	}
	peer, _ := f.last()
	if len(peer.candidates) != 1 {
		t.Fatalf("buffered candidate not applied, got %d", len(peer.candidates))
	}
}

func TestCallHangupBeforeAnswer(t *testing.T) {
	m, f, media, signals := newTestMachine(0)
	if err := m.Initiate("bob", false); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := m.Hangup(); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if m.InCall() {
		t.Fatalf("still in call after hangup")
	}
	if len(signals.endTo) != 1 || signals.endTo[0] != "bob" {
		t.Fatalf("end_call not sent: %v", signals.endTo)
	}
	peer, _ := f.last()
	if !peer.closed || !media.streams[0].released {
		t.Fatalf("resources not released on hangup")
	}

	// 挂断后到达的接受事件不得复活通话
	m.HandleEvent(callEvent(t, models.EventCallAccepted, models.CallAcceptedPayload{Type: "answer", SDP: "v=0"}))
	if m.InCall() {
		t.Fatalf("late call_accepted revived the call")
	}
}

func TestCallRemoteCancelWhileRinging(t *testing.T) {
	m, f, media, _ := newTestMachine(0)
	m.HandleEvent(callEvent(t, models.EventCallUser, models.CallUserPayload{
		From: "bob", Signal: models.CallSignal{Type: "offer", SDP: "v=0"}, Name: "Bob",
	}))
	if m.State() != StateRinging {
		t.Fatalf("state = %s, want ringing", m.State())
	}

	// 主叫在接听前取消：本端回到空闲，且从未建过对等连接或采集媒体
	m.HandleEvent(callEvent(t, models.EventEndCall, models.EndCallPayload{From: "bob"}))
	if m.InCall() {
		t.Fatalf("still in call after remote cancel")
	}
	if len(f.peers) != 0 {
		t.Fatalf("peer connection created before answer")
	}
	if len(media.streams) != 0 {
		t.Fatalf("media acquired before answer")
	}
	if err := m.Answer(); err == nil {
		t.Fatalf("answer after cancel should fail")
	}
}

func TestCallStaleCallbackSuppressed(t *testing.T) {
	m, f, _, signals := newTestMachine(0)
	if err := m.Initiate("bob", false); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, cb := f.last()
	if err := m.Hangup(); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	// 旧通话的候选回调在拆除后触发：代际校验拦截
	cand := "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"
	cb.OnICECandidate(models.IceCandidatePayload{Candidate: &cand})
	signals.mu.Lock()
	sent := len(signals.candidates)
	signals.mu.Unlock()
	if sent != 0 {
		t.Fatalf("stale callback sent %d candidates", sent)
	}
}

func TestCallIceRestartOncePerFailure(t *testing.T) {
	m, f, _, signals := newTestMachine(0)
	if err := m.Initiate("bob", false); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	m.HandleEvent(callEvent(t, models.EventCallAccepted, models.CallAcceptedPayload{Type: "answer", SDP: "v=0"}))
	peer, cb := f.last()

	cb.OnConnectionStateChange(webrtc.PeerConnectionStateFailed)
	peer.mu.Lock()
	restarts := 0
	for _, r := range peer.offerRestart {
		if r {
			restarts++
		}
	}
	peer.mu.Unlock()
	if restarts != 1 {
		t.Fatalf("restart offers = %d, want 1", restarts)
	}
	if len(signals.offerTo) != 2 {
		t.Fatalf("restart offer not sent, offers=%d", len(signals.offerTo))
	}

	// 对端对重启 offer 的应答在 active 状态下照常应用，状态不迁移
	m.HandleEvent(callEvent(t, models.EventCallAccepted, models.CallAcceptedPayload{Type: "answer", SDP: "v=0 restart"}))
	peer.mu.Lock()
	accepted := len(peer.accepted)
	peer.mu.Unlock()
	if accepted != 2 {
		t.Fatalf("restart answer not applied, accepted=%d want 2", accepted)
	}
	if m.State() != StateActive {
		t.Fatalf("state after restart answer = %s, want active", m.State())
	}

	// 二次失败不再自动重启，仅降级提示；通话保持
	cb.OnConnectionStateChange(webrtc.PeerConnectionStateFailed)
	peer.mu.Lock()
	total := len(peer.offerRestart)
	peer.mu.Unlock()
	if total != 2 {
		t.Fatalf("second failure triggered another restart, offers=%d", total)
	}
	if m.State() != StateActive {
		t.Fatalf("second failure terminated the call")
	}
}

func TestCallRingTimeout(t *testing.T) {
	m, _, media, signals := newTestMachine(30 * time.Millisecond)
	if err := m.Initiate("bob", false); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	deadline := time.After(time.Second)
	for m.InCall() {
		select {
		case <-deadline:
			t.Fatalf("outbound call never timed out")
		case <-time.After(10 * time.Millisecond):
		}
	}
	signals.mu.Lock()
	ends := len(signals.endTo)
	signals.mu.Unlock()
	if ends != 1 {
		t.Fatalf("end_call sends = %d, want 1", ends)
	}
	if !media.streams[0].released {
		t.Fatalf("media not released on timeout")
	}
}

func TestCallMalformedCandidateDropped(t *testing.T) {
	m, f, _, _ := newTestMachine(0)
	if err := m.Initiate("bob", false); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	m.HandleEvent(callEvent(t, models.EventIceCandidate, models.IceCandidatePayload{From: "bob"}))
	peer, _ := f.last()
	peer.mu.Lock()
	got := len(peer.candidates)
	peer.mu.Unlock()
	if got != 0 {
		t.Fatalf("malformed candidate reached peer")
	}
}
