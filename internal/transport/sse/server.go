// Package sse 实现服务端推送通道（Server-Sent Events）与轮询兜底接口。
// 事件帧为 data: <json>\n\n，心跳为注释帧 : keepalive\n\n。
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sylaw2022/ChatApp/internal/auth"
	"github.com/sylaw2022/ChatApp/internal/cache"
	"github.com/sylaw2022/ChatApp/internal/metrics"
	"github.com/sylaw2022/ChatApp/internal/signal"
)

type Server struct {
	JWTSecret string
	Registry  *signal.Registry
	Queue     *signal.Queue
}

// sseSink 把事件写入一条 SSE 连接。写操作串行化（心跳协程与投递并发写）。
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// userID 从 Authorization: Bearer 或 ?token= 取令牌（EventSource 无法设请求头）。
func (s *Server) userID(c *gin.Context) (string, bool) {
	token := ""
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else {
		token = c.Query("token")
	}
	if token == "" {
		return "", false
	}
	claims, err := auth.ParseJWT(s.JWTSecret, token)
	if err != nil {
		return "", false
	}
	return claims.UserID, true
}

// HandleStream 建立推送通道。连接保持到客户端断开或注册被新连接替换。
// 连接期间维护 Redis 在线状态（设备维度）。
func (s *Server) HandleStream(c *gin.Context) {
	uid, ok := s.userID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: c.Writer, flusher: flusher}
	closed := s.Registry.Register(uid, sink)

	deviceID := uuid.NewString()
	ctx := c.Request.Context()
	if err := cache.SetDeviceOnline(context.Background(), uid, deviceID); err != nil {
		log.Printf("presence online failed user=%s err=%v", uid, err)
	}
	log.Printf("sse open user=%s device=%s", uid, deviceID)

	// 补投：通道刚建立时把队列中可见的事件立即下发，
	// 避免离线期间积压的事件要等下一次轮询
	for _, ev := range s.Queue.Drain(uid) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := sink.Send(data); err != nil {
			break
		}
	}

	select {
	case <-ctx.Done():
		s.Registry.Unregister(uid, closed)
	case <-closed:
	}

	if err := cache.SetDeviceOffline(context.Background(), uid, deviceID); err != nil {
		log.Printf("presence offline failed user=%s err=%v", uid, err)
	}
	log.Printf("sse close user=%s device=%s", uid, deviceID)
}

// HandlePoll 取走当前可见的事件，始终返回 JSON 数组（可能为空）。
func (s *Server) HandlePoll(c *gin.Context) {
	uid, ok := s.userID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	metrics.PollRequests.Inc()
	evs := s.Queue.Drain(uid)
	metrics.EventsDrained.Add(float64(len(evs)))
	if evs == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, evs)
}
