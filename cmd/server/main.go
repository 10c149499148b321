package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	osignal "os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/sylaw2022/ChatApp/internal/auth"
	"github.com/sylaw2022/ChatApp/internal/cache"
	"github.com/sylaw2022/ChatApp/internal/config"
	"github.com/sylaw2022/ChatApp/internal/metrics"
	"github.com/sylaw2022/ChatApp/internal/models"
	"github.com/sylaw2022/ChatApp/internal/mq"
	"github.com/sylaw2022/ChatApp/internal/ratelimit"
	"github.com/sylaw2022/ChatApp/internal/services"
	"github.com/sylaw2022/ChatApp/internal/signal"
	"github.com/sylaw2022/ChatApp/internal/store"
	"github.com/sylaw2022/ChatApp/internal/store/mongostore"
	"github.com/sylaw2022/ChatApp/internal/store/sqlstore"
	"github.com/sylaw2022/ChatApp/internal/transport/sse"
)

// 解析查询参数为整数
func parseIntQuery(c *gin.Context, key string, defaultValue int) int {
	value, _ := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(defaultValue)))
	return value
}

func parseInt64Query(c *gin.Context, key string, defaultValue int64) int64 {
	value, err := strconv.ParseInt(c.DefaultQuery(key, strconv.FormatInt(defaultValue, 10)), 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func mustOpen(dsn string) *sql.DB {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		panic(fmt.Sprintf("MySQL open failed: %v", err))
	}
	return db
}

func main() {
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if cfg.EnableMetrics {
		metrics.Init()
	}

	primaryDB := mustOpen(cfg.MySQLDSN)

	// 根据配置选择消息存储：mysql 或 mongodb
	var msgStore store.MessageStoreInterface
	switch cfg.MessageDB {
	case "mongodb":
		mongoDB, err := mongostore.Connect(cfg.MongoURI)
		if err != nil {
			panic(fmt.Sprintf("MongoDB connection failed: %v", err))
		}
		msgStore = store.NewMongoMessageStore(mongoDB)
	default: // mysql
		msgStore = store.NewMessageStore(primaryDB)
	}

	userStore := store.NewUserStore(primaryDB)
	friendStore := store.NewFriendStore(primaryDB)
	groupStore := store.NewGroupStore(primaryDB)

	// 信令核心：队列 + 推送注册表 + 分发器
	queue := signal.NewQueue(
		time.Duration(cfg.SignalQueueTTLSeconds)*time.Second,
		time.Duration(cfg.SignalReadRetentionSeconds)*time.Second,
		cfg.SignalQueueCap,
	)
	queue.Start(time.Duration(cfg.SignalReadRetentionSeconds) * time.Second)
	registry := signal.NewRegistry(time.Duration(cfg.SSEHeartbeatSeconds) * time.Second)

	var producer *mq.KafkaProducer
	if cfg.KafkaBrokers != "" {
		p, err := mq.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		if err != nil {
			log.Printf("kafka producer init failed err=%v", err)
		} else {
			producer = p
		}
	}
	dispatcher := signal.NewDispatcher(queue, registry, producer)

	msgSvc := &services.MessageService{
		Store:      msgStore,
		Users:      userStore,
		Friends:    friendStore,
		Groups:     groupStore,
		Dispatcher: dispatcher,
	}
	webrtcSvc := services.NewWebRTCService(cfg.WebRTCSTUNServers, cfg.WebRTCTURNServers, cfg.WebRTCTURNUser, cfg.WebRTCTURNPass, cfg.WebRTCEnabled)
	fileService := services.NewFileService(primaryDB, cfg.UploadDir, cfg.UploadPublicURL, int64(cfg.UploadMaxSizeMB)*1024*1024)
	limiter := ratelimit.NewTokenBucketLimiter(cache.Client())

	sseSrv := &sse.Server{JWTSecret: cfg.JWTSecret, Registry: registry, Queue: queue}

	r := gin.Default()
	// 健康/指标
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	// 上传文件的静态访问
	r.Static("/files", cfg.UploadDir)

	// 注册
	r.POST("/api/register", func(c *gin.Context) {
		var req struct{ Username, Password, Nickname string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		h, _ := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		u := &models.User{ID: uuid.NewString(), Username: req.Username, Password: string(h), Nickname: req.Nickname}
		if err := userStore.CreateUser(c, u); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"id": u.ID})
	})
	// 登录
	r.POST("/api/login", func(c *gin.Context) {
		var req struct{ Username, Password string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		u, err := userStore.GetByUsername(c, req.Username)
		if err != nil || u == nil || bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)) != nil {
			c.JSON(401, gin.H{"error": "invalid credentials"})
			return
		}
		tok, _ := auth.SignJWT(cfg.JWTSecret, u.ID, 7*24*time.Hour)
		c.JSON(200, gin.H{"token": tok, "userId": u.ID})
	})

	// 简易认证
	authn := func(c *gin.Context) (string, bool) {
		tok := c.GetHeader("Authorization")
		if len(tok) > 7 && tok[:7] == "Bearer " {
			tok = tok[7:]
		}
		cl, err := auth.ParseJWT(cfg.JWTSecret, tok)
		if err != nil {
			c.JSON(401, gin.H{"error": "unauthorized"})
			return "", false
		}
		return cl.UserID, true
	}

	// 事件通道：推送 + 轮询
	r.GET("/api/events/stream", sseSrv.HandleStream)
	r.GET("/api/events/poll", sseSrv.HandlePoll)

	// 用户信息
	r.PUT("/api/users/me", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct{ Nickname, AvatarURL string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if err := userStore.UpdateUser(c, &models.User{ID: uid, Nickname: req.Nickname, AvatarURL: req.AvatarURL}); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})
	r.GET("/api/users/search", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		users, err := userStore.SearchUsers(c, c.Query("q"), uid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, users)
	})
	// 在线状态（推送注册 + Redis 设备集合）
	r.GET("/api/users/:id/online", func(c *gin.Context) {
		if _, ok := authn(c); !ok {
			return
		}
		target := c.Param("id")
		n, _ := cache.OnlineDeviceCount(c, target)
		c.JSON(200, gin.H{"online": registry.Online(target) || n > 0, "devices": n})
	})

	// 好友
	r.GET("/api/friends", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		friends, err := friendStore.ListFriends(c, uid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, friends)
	})
	r.DELETE("/api/friends/:id", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		fid := c.Param("id")
		if err := friendStore.DeleteFriend(c, uid, fid); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		_ = friendStore.DeleteFriend(c, fid, uid)
		c.Status(204)
	})

	// 好友申请
	r.POST("/api/friends/requests", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			ToUserID string `json:"toUserId" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if already, _ := friendStore.IsFriend(c, uid, req.ToUserID); already {
			c.JSON(400, gin.H{"error": "already friends"})
			return
		}
		fr := &models.FriendRequest{ID: uuid.NewString(), FromUserID: uid, ToUserID: req.ToUserID}
		if err := friendStore.CreateRequest(c, fr); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		from := models.MessageSender{ID: uid}
		if u, err := userStore.GetByID(c, uid); err == nil && u != nil {
			from.Username, from.Nickname, from.Avatar = u.Username, u.Nickname, u.AvatarURL
		}
		dispatcher.Dispatch(req.ToUserID, models.EventFriendRequest, models.FriendRequestPayload{RequestID: fr.ID, From: from})
		c.JSON(200, gin.H{"id": fr.ID})
	})
	r.GET("/api/friends/requests", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		reqs, err := friendStore.ListPendingRequests(c, uid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, reqs)
	})
	r.POST("/api/friends/requests/:id/accept", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		fr, err := friendStore.GetRequest(c, c.Param("id"))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if fr == nil || fr.ToUserID != uid {
			c.JSON(404, gin.H{"error": "request not found"})
			return
		}
		accepted, err := friendStore.AcceptRequest(c, fr.ID)
		if err != nil || accepted == nil {
			c.JSON(400, gin.H{"error": "cannot accept request"})
			return
		}
		me := models.MessageSender{ID: uid}
		if u, err := userStore.GetByID(c, uid); err == nil && u != nil {
			me.Username, me.Nickname, me.Avatar = u.Username, u.Nickname, u.AvatarURL
		}
		// 通知发起方：对方已通过
		dispatcher.Dispatch(accepted.FromUserID, models.EventFriendAccepted, models.FriendRequestPayload{RequestID: accepted.ID, From: me})
		c.Status(204)
	})
	r.POST("/api/friends/requests/:id/reject", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		fr, err := friendStore.GetRequest(c, c.Param("id"))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if fr == nil || fr.ToUserID != uid {
			c.JSON(404, gin.H{"error": "request not found"})
			return
		}
		if err := friendStore.RejectRequest(c, fr.ID); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})

	// 群组
	r.POST("/api/groups", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			Name      string   `json:"name" binding:"required"`
			MemberIDs []string `json:"memberIds"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		gid := uuid.NewString()
		if err := groupStore.CreateGroup(c, gid, req.Name, uid); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		payload := models.GroupEventPayload{GroupID: gid, Name: req.Name, OwnerID: uid}
		for _, mid := range req.MemberIDs {
			if mid == uid {
				continue
			}
			if err := groupStore.AddMember(c, gid, mid, "member"); err != nil {
				log.Printf("group add member failed group=%s user=%s err=%v", gid, mid, err)
				continue
			}
			dispatcher.Dispatch(mid, models.EventGroupCreated, payload)
		}
		c.JSON(200, gin.H{"id": gid})
	})
	r.GET("/api/groups", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		groups, err := groupStore.ListUserGroups(c, uid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, groups)
	})
	r.POST("/api/groups/:id/join", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		gid := c.Param("id")
		g, err := groupStore.GetGroup(c, gid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if g == nil {
			c.JSON(404, gin.H{"error": "group not found"})
			return
		}
		if err := groupStore.JoinGroup(c, gid, uid); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})
	r.DELETE("/api/groups/:id", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		gid := c.Param("id")
		g, err := groupStore.GetGroup(c, gid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if g == nil {
			c.JSON(404, gin.H{"error": "group not found"})
			return
		}
		if g.OwnerID != uid {
			c.JSON(403, gin.H{"error": "only owner can delete group"})
			return
		}
		members, _ := groupStore.ListMemberIDs(c, gid)
		if err := groupStore.DeleteGroup(c, gid); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		payload := models.GroupEventPayload{GroupID: gid, Name: g.Name, OwnerID: g.OwnerID}
		for _, mid := range members {
			if mid != uid {
				dispatcher.Dispatch(mid, models.EventGroupDeleted, payload)
			}
		}
		c.Status(204)
	})

	// 消息
	r.POST("/api/messages", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		if allowed, _, err := limiter.Allow(c, uid+":send", cfg.SendQPS, cfg.SendBurst); err == nil && !allowed {
			c.JSON(429, gin.H{"error": "too many messages"})
			return
		}
		var req struct {
			Recipient string `json:"recipient"`
			GroupID   string `json:"groupId"`
			Type      string `json:"type"`
			Content   string `json:"content"`
			FileURL   string `json:"fileUrl"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if req.Type == "" {
			req.Type = models.MessageTypeText
		}
		start := time.Now()
		msg, err := msgSvc.Send(c, &services.SendRequest{
			From: uid, Recipient: req.Recipient, GroupID: req.GroupID,
			Type: req.Type, Content: req.Content, FileURL: req.FileURL,
		})
		if err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		metrics.MessageSendLatency.Observe(float64(time.Since(start).Milliseconds()))
		c.JSON(200, msg)
	})
	r.GET("/api/messages", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var convID string
		if peer := c.Query("with"); peer != "" {
			if allowed, _ := friendStore.IsFriend(c, uid, peer); !allowed {
				c.JSON(403, gin.H{"error": "not friends"})
				return
			}
			convID = services.ConvIDForUsers(uid, peer)
		} else if gid := c.Query("groupId"); gid != "" {
			if member, _ := groupStore.IsMember(c, gid, uid); !member {
				c.JSON(403, gin.H{"error": "not a member"})
				return
			}
			convID = services.ConvIDForGroup(gid)
		} else {
			c.JSON(400, gin.H{"error": "with or groupId required"})
			return
		}
		msgs, err := msgSvc.List(c, convID, parseInt64Query(c, "fromSeq", 0), parseIntQuery(c, "limit", 50))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		c.JSON(200, msgs)
	})

	// 文件上传
	r.POST("/api/files/upload", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		defer file.Close()
		upload, err := fileService.UploadFile(c, uid, file, header)
		if err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, upload)
	})
	r.GET("/api/files", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		files, err := fileService.ListUserFiles(c, uid, parseIntQuery(c, "limit", 20), parseIntQuery(c, "offset", 0))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, files)
	})
	r.DELETE("/api/files/:id", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		if err := fileService.DeleteFile(c, c.Param("id"), uid); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})

	// WebRTC 配置
	r.GET("/api/webrtc/ice-servers", func(c *gin.Context) {
		if _, ok := authn(c); !ok {
			return
		}
		c.JSON(200, gin.H{"enabled": webrtcSvc.Enabled, "iceServers": webrtcSvc.GetICEServers()})
	})

	// 呼叫信令：服务端只转发事件，不维护通话状态
	r.POST("/api/calls/offer", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		if !webrtcSvc.Enabled {
			c.JSON(400, gin.H{"error": "calls disabled"})
			return
		}
		var req struct {
			To     string            `json:"to" binding:"required"`
			Signal models.CallSignal `json:"signal" binding:"required"`
			Name   string            `json:"name"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if allowed, _ := friendStore.IsFriend(c, uid, req.To); !allowed {
			c.JSON(403, gin.H{"error": "not friends"})
			return
		}
		pushed := dispatcher.Dispatch(req.To, models.EventCallUser, models.CallUserPayload{From: uid, Signal: req.Signal, Name: req.Name})
		c.JSON(200, gin.H{"delivered": pushed})
	})
	r.POST("/api/calls/answer", func(c *gin.Context) {
		if _, ok := authn(c); !ok {
			return
		}
		var req struct {
			To   string `json:"to" binding:"required"`
			Type string `json:"type" binding:"required"`
			SDP  string `json:"sdp" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		pushed := dispatcher.Dispatch(req.To, models.EventCallAccepted, models.CallAcceptedPayload{Type: req.Type, SDP: req.SDP})
		c.JSON(200, gin.H{"delivered": pushed})
	})
	r.POST("/api/calls/candidate", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			To        string                    `json:"to" binding:"required"`
			Candidate models.IceCandidatePayload `json:"candidate"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		req.Candidate.From = uid
		pushed := dispatcher.Dispatch(req.To, models.EventIceCandidate, req.Candidate)
		c.JSON(200, gin.H{"delivered": pushed})
	})
	r.POST("/api/calls/end", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			To string `json:"to" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		pushed := dispatcher.Dispatch(req.To, models.EventEndCall, models.EndCallPayload{From: uid})
		c.JSON(200, gin.H{"delivered": pushed})
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		log.Printf("server listening addr=%s messageDB=%s", cfg.ListenAddr, cfg.MessageDB)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	osignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = queue.Shutdown(ctx)
	if producer != nil {
		_ = producer.Close()
	}
}
