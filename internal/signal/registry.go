package signal

import (
	"log"
	"sync"
	"time"

	"github.com/sylaw2022/ChatApp/internal/metrics"
)

// PushSink 为推送通道的写端抽象（SSE 连接实现它；测试用假实现）。
// Send/Ping 必须可被并发调用，实现内部自行串行化写。
type PushSink interface {
	Send(data []byte) error
	Ping() error
}

// registration 为某用户当前生效的推送注册。
// closed 在注册被替换或注销时关闭，持有该注册的连接处理器据此退出。
type registration struct {
	sink   PushSink
	closed chan struct{}
	once   sync.Once
}

func (r *registration) close() {
	r.once.Do(func() { close(r.closed) })
}

// Registry 维护 userID 到推送通道的映射。
// 每个用户至多一条注册：重复注册以新换旧，旧连接被通知关闭。
// 投递失败即视为通道死亡，立即摘除（后续事件走轮询兜底）。
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]*registration

	heartbeat time.Duration
}

func NewRegistry(heartbeat time.Duration) *Registry {
	return &Registry{sinks: make(map[string]*registration), heartbeat: heartbeat}
}

// Register 登记用户的推送通道，返回的 channel 在注册失效（被替换或注销）时关闭。
// 同时启动该注册的心跳协程，保活失败同样触发摘除。
func (r *Registry) Register(userID string, sink PushSink) <-chan struct{} {
	reg := &registration{sink: sink, closed: make(chan struct{})}

	r.mu.Lock()
	if old := r.sinks[userID]; old != nil {
		old.close()
		log.Printf("push channel replaced user=%s", userID)
	} else {
		metrics.PushChannels.Inc()
	}
	r.sinks[userID] = reg
	r.mu.Unlock()

	if r.heartbeat > 0 {
		go r.keepalive(userID, reg)
	}
	return reg.closed
}

// Unregister 注销用户的推送通道；仅当当前注册仍是 reg 对应的那条时生效（幂等）。
func (r *Registry) Unregister(userID string, ch <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.sinks[userID]
	if reg == nil || reg.closed != ch {
		return
	}
	reg.close()
	delete(r.sinks, userID)
	metrics.PushChannels.Dec()
}

// Deliver 尝试即时推送。返回 false 表示用户无推送通道或写入失败；
// 写入失败时摘除通道，调用方不重试（事件已在信令队列中，轮询兜底）。
func (r *Registry) Deliver(userID string, data []byte) bool {
	r.mu.RLock()
	reg := r.sinks[userID]
	r.mu.RUnlock()
	if reg == nil {
		return false
	}
	if err := reg.sink.Send(data); err != nil {
		log.Printf("push deliver failed user=%s err=%v", userID, err)
		r.drop(userID, reg)
		return false
	}
	metrics.PushDelivered.Inc()
	return true
}

// Online 返回用户是否有生效的推送通道。
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks[userID] != nil
}

func (r *Registry) drop(userID string, reg *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sinks[userID] != reg {
		return
	}
	reg.close()
	delete(r.sinks, userID)
	metrics.PushChannels.Dec()
}

// keepalive 周期性发送心跳帧；失败即摘除。注册失效时退出。
func (r *Registry) keepalive(userID string, reg *registration) {
	t := time.NewTicker(r.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-reg.closed:
			return
		case <-t.C:
			if err := reg.sink.Ping(); err != nil {
				log.Printf("push keepalive failed user=%s err=%v", userID, err)
				r.drop(userID, reg)
				return
			}
		}
	}
}
