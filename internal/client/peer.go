package client

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// Peer 抽象一条对等连接；通话状态机只依赖该接口（测试用假实现）。
type Peer interface {
	// CreateOffer 生成本端 offer 并设为本地描述；iceRestart 触发 ICE 重启
	CreateOffer(iceRestart bool) (models.CallSignal, error)
	// CreateAnswer 应用远端 offer，生成 answer 并设为本地描述
	CreateAnswer(offer models.CallSignal) (models.CallSignal, error)
	// AcceptAnswer 应用远端 answer（主叫侧）
	AcceptAnswer(answer models.CallSignal) error
	// AddICECandidate 应用远端候选；nil 候选表示收集结束，no-op
	AddICECandidate(c models.IceCandidatePayload) error
	Close() error
}

// PeerCallbacks 对等连接的异步回调。回调可能来自任意协程，
// 状态机侧负责并发防护与代际校验。
type PeerCallbacks struct {
	OnICECandidate          func(models.IceCandidatePayload)
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
}

type PeerFactory interface {
	NewPeer(cb PeerCallbacks) (Peer, error)
}

// MediaDevices 抽象本地媒体采集；Acquire 失败即无法发起/接听通话。
type MediaDevices interface {
	Acquire(video bool) (MediaStream, error)
}

// MediaStream 为已采集的本地媒体；Release 幂等，所有通话退出路径都必须调用。
type MediaStream interface {
	Release()
}

// pionFactory 基于 pion/webrtc 的 Peer 实现。
type pionFactory struct {
	iceServers []webrtc.ICEServer
}

func NewPeerFactory(iceServers []webrtc.ICEServer) PeerFactory {
	return &pionFactory{iceServers: iceServers}
}

func (f *pionFactory) NewPeer(cb PeerCallbacks) (Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}

	// recvonly 收发器保证 SDP 始终带有效 m-line 与 ICE 凭证
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, err
	}

	if cb.OnICECandidate != nil {
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return // 收集结束
			}
			init := c.ToJSON()
			cb.OnICECandidate(models.IceCandidatePayload{
				Candidate:     &init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		})
	}
	if cb.OnConnectionStateChange != nil {
		pc.OnConnectionStateChange(cb.OnConnectionStateChange)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	mu sync.Mutex
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer(iceRestart bool) (models.CallSignal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return models.CallSignal{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return models.CallSignal{}, err
	}
	return models.CallSignal{Type: "offer", SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer(offer models.CallSignal) (models.CallSignal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offer.SDP,
	}); err != nil {
		return models.CallSignal{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.CallSignal{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return models.CallSignal{}, err
	}
	return models.CallSignal{Type: "answer", SDP: answer.SDP}, nil
}

func (p *pionPeer) AcceptAnswer(answer models.CallSignal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: answer.SDP,
	})
}

func (p *pionPeer) AddICECandidate(c models.IceCandidatePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Candidate == nil {
		if c.SDPMid == nil && c.SDPMLineIndex == nil {
			return fmt.Errorf("malformed ice candidate")
		}
		return nil // 收集结束标记
	}
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     *c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc.Close()
}
