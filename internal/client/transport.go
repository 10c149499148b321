// Package client 实现内置 Go 客户端的传输选择器与通话状态机。
// 传输选择器同时维护推送（SSE）与轮询两条通道，所有事件汇入单一
// 串行处理路径，并按事件 ID 去重（双通道可能投递同一事件）。
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// TransportConfig 传输参数；零值字段取默认。
type TransportConfig struct {
	BaseURL              string
	Token                string
	PollIntervalActive   time.Duration // 通话中/振铃时的轮询间隔
	PollIntervalIdle     time.Duration
	MaxReconnectAttempts int // 连续重连失败次数上限，超过后仅走轮询
}

func (c *TransportConfig) withDefaults() {
	if c.PollIntervalActive <= 0 {
		c.PollIntervalActive = 500 * time.Millisecond
	}
	if c.PollIntervalIdle <= 0 {
		c.PollIntervalIdle = 2 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
}

// Transport 为客户端的事件接收端。
// - SSE 断开后指数退避重连（1s 起，翻倍至 30s 封顶），连续失败达上限后放弃推送
// - 轮询始终运行；间隔每秒按通话状态重估
// - 推送通道打开时，轮询结果中的 receive_message 事件跳过（呼叫类事件仍处理），
//   事件 ID 去重兜底剩余的重复
type Transport struct {
	cfg     TransportConfig
	httpc   *http.Client
	handler func(*models.Event)

	// callActive 报告是否处于通话中/振铃（决定轮询间隔）；nil 视为 false
	callActive func() bool

	mu       sync.Mutex
	pushOpen bool
	seen     map[string]struct{}
	order    []string // 去重集合的淘汰顺序

	backoffBase time.Duration // 测试注入
	wg          sync.WaitGroup
}

const dedupWindow = 1024

func NewTransport(cfg TransportConfig, handler func(*models.Event), callActive func() bool) *Transport {
	cfg.withDefaults()
	return &Transport{
		cfg:         cfg,
		httpc:       &http.Client{},
		handler:     handler,
		callActive:  callActive,
		seen:        make(map[string]struct{}),
		backoffBase: time.Second,
	}
}

// Run 启动两条接收协程，阻塞到 ctx 取消。事件处理在单独一个协程内串行执行。
func (t *Transport) Run(ctx context.Context) {
	events := make(chan *models.Event, 64)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.pushLoop(ctx, events)
	}()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.pollLoop(ctx, events)
	}()

	for {
		select {
		case <-ctx.Done():
			t.wg.Wait()
			return
		case ev := <-events:
			t.handler(ev)
		}
	}
}

// dispatch 去重后投递；返回是否为首次见到该事件。
func (t *Transport) dispatch(ctx context.Context, events chan<- *models.Event, ev *models.Event) bool {
	t.mu.Lock()
	if _, dup := t.seen[ev.ID]; dup {
		t.mu.Unlock()
		return false
	}
	t.seen[ev.ID] = struct{}{}
	t.order = append(t.order, ev.ID)
	if len(t.order) > dedupWindow {
		delete(t.seen, t.order[0])
		t.order = t.order[1:]
	}
	t.mu.Unlock()

	select {
	case events <- ev:
	case <-ctx.Done():
	}
	return true
}

func (t *Transport) setPushOpen(open bool) {
	t.mu.Lock()
	t.pushOpen = open
	t.mu.Unlock()
}

// PushOpen 报告推送通道当前是否打开。
func (t *Transport) PushOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pushOpen
}

// pushLoop 维护 SSE 连接：退避重连，连续失败达上限后退出（仅剩轮询）。
// 一旦连接建立成功，失败计数与退避间隔即归零重新起算。
func (t *Transport) pushLoop(ctx context.Context, events chan<- *models.Event) {
	backoff := t.backoffBase
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		opened, err := t.readStream(ctx, events)
		t.setPushOpen(false)
		if opened {
			attempts = 0
			backoff = t.backoffBase
		}
		if ctx.Err() != nil {
			return
		}
		attempts++
		if attempts >= t.cfg.MaxReconnectAttempts {
			log.Printf("push channel given up after %d attempts, polling only", attempts)
			return
		}
		log.Printf("push channel lost err=%v retry_in=%s attempt=%d", err, backoff, attempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// readStream 读取一条 SSE 连接直到出错；opened 报告本次连接是否建立成功。
func (t *Transport) readStream(ctx context.Context, events chan<- *models.Event) (opened bool, _ error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+"/api/events/stream", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	resp, err := t.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("stream status %d", resp.StatusCode)
	}

	t.setPushOpen(true)
	log.Printf("push channel open")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ":") || line == "" {
			continue // 心跳或帧分隔
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			log.Printf("push frame decode failed err=%v", err)
			continue
		}
		if _, err := models.ParseEventType(string(ev.Type)); err != nil {
			log.Printf("push frame dropped: %v", err)
			continue
		}
		t.dispatch(ctx, events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, io.EOF
}

// pollLoop 周期轮询。间隔每秒重估一次（通话状态变化 1 秒内生效）。
func (t *Transport) pollLoop(ctx context.Context, events chan<- *models.Event) {
	next := time.Now()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if time.Now().Before(next) {
			continue
		}
		t.pollOnce(ctx, events)

		interval := t.cfg.PollIntervalIdle
		if t.callActive != nil && t.callActive() {
			interval = t.cfg.PollIntervalActive
		}
		next = time.Now().Add(interval)
	}
}

func (t *Transport) pollOnce(ctx context.Context, events chan<- *models.Event) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+"/api/events/poll", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	resp, err := t.httpc.Do(req)
	if err != nil {
		log.Printf("poll failed err=%v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		log.Printf("poll status=%d", resp.StatusCode)
		return
	}
	var evs []*models.Event
	if err := json.NewDecoder(resp.Body).Decode(&evs); err != nil {
		log.Printf("poll decode failed err=%v", err)
		return
	}
	pushOpen := t.PushOpen()
	for _, ev := range evs {
		if _, err := models.ParseEventType(string(ev.Type)); err != nil {
			log.Printf("poll event dropped: %v", err)
			continue
		}
		// 推送打开时消息事件由推送承担；呼叫信令仍从两条通道取
		if pushOpen && ev.Type == models.EventReceiveMessage {
			continue
		}
		t.dispatch(ctx, events, ev)
	}
}
