package signal

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sylaw2022/ChatApp/internal/metrics"
	"github.com/sylaw2022/ChatApp/internal/models"
	"github.com/sylaw2022/ChatApp/internal/mq"
)

// Dispatcher 为事件分发器：REST 层产生事件后唯一的出口。
// 投递策略：先无条件入队（轮询兜底），再尝试推送通道即时投递。
// 两条路径可能都把同一事件送达客户端，由客户端按事件 ID 去重。
type Dispatcher struct {
	Queue    *Queue
	Registry *Registry
	Producer *mq.KafkaProducer // 可选的事件审计流；nil 表示未启用
}

func NewDispatcher(q *Queue, r *Registry, p *mq.KafkaProducer) *Dispatcher {
	return &Dispatcher{Queue: q, Registry: r, Producer: p}
}

// Dispatch 把事件投递给目标用户，返回推送通道是否即时送达。
// payload 必须可 JSON 序列化；序列化失败属编程错误，记录后丢弃。
func (d *Dispatcher) Dispatch(target string, typ models.EventType, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("dispatch marshal failed type=%s user=%s err=%v", typ, target, err)
		return false
	}
	ev := &models.Event{
		ID:           uuid.NewString(),
		Type:         typ,
		TargetUserID: target,
		Payload:      raw,
		Timestamp:    time.Now().UnixMilli(),
	}
	metrics.EventsDispatched.WithLabelValues(string(typ)).Inc()

	// 入队在前：即使推送成功，短期内轮询仍可见同一事件，属预期重复
	d.Queue.Enqueue(ev)

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("dispatch encode failed type=%s user=%s err=%v", typ, target, err)
		return false
	}
	pushed := d.Registry.Deliver(target, data)

	if d.Producer != nil {
		d.Producer.Publish(data, []byte(target))
	}
	return pushed
}

// DispatchAll 把同一事件分发给多个用户（群事件），每个目标生成独立事件 ID。
func (d *Dispatcher) DispatchAll(targets []string, typ models.EventType, payload any) {
	for _, t := range targets {
		d.Dispatch(t, typ, payload)
	}
}
