package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// 消息存储选择：mysql 或 mongodb
	MessageDB string `yaml:"messageDB"`

	// Kafka 配置（可选，事件审计流）
	KafkaBrokers    string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaEventTopic string `yaml:"kafkaEventTopic"`

	// 信令队列参数
	SignalQueueTTLSeconds      int `yaml:"signalQueueTTLSeconds"`      // 未读条目可见窗口
	SignalReadRetentionSeconds int `yaml:"signalReadRetentionSeconds"` // 已读后保留窗口（容忍重复轮询）
	SignalQueueCap             int `yaml:"signalQueueCap"`             // 单用户队列容量上限

	// 推送通道参数
	SSEHeartbeatSeconds int `yaml:"sseHeartbeatSeconds"`

	// 客户端传输参数（下发给客户端/内置 Go 客户端使用）
	PollIntervalActiveMS     int `yaml:"pollIntervalActiveMS"`
	PollIntervalIdleMS       int `yaml:"pollIntervalIdleMS"`
	PushMaxReconnectAttempts int `yaml:"pushMaxReconnectAttempts"`
	CallRingTimeoutSeconds   int `yaml:"callRingTimeoutSeconds"` // 0 表示不超时

	// 速率限制（消息发送/事件上报）
	SendQPS   int `yaml:"sendQPS"`
	SendBurst int `yaml:"sendBurst"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`

	// WebRTC 音视频配置
	WebRTCSTUNServers []string `yaml:"webrtcSTUNServers"`
	WebRTCTURNServers []string `yaml:"webrtcTURNServers"`
	WebRTCTURNUser    string   `yaml:"webrtcTURNUser"`
	WebRTCTURNPass    string   `yaml:"webrtcTURNPass"`
	WebRTCEnabled     bool     `yaml:"webrtcEnabled"`

	// 上传配置
	UploadDir       string `yaml:"uploadDir"`
	UploadPublicURL string `yaml:"uploadPublicURL"`
	UploadMaxSizeMB int    `yaml:"uploadMaxSizeMB"`
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		RedisAddr:  "127.0.0.1:6379",
		RedisPass:  "",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/chatapp?parseTime=true&loc=Local&charset=utf8mb4",
		MongoURI:   "mongodb://127.0.0.1:27017/chatapp",
		JWTSecret:  "change-me-in-prod",

		MessageDB: "mysql",

		KafkaBrokers:    "",
		KafkaEventTopic: "chat-events",

		SignalQueueTTLSeconds:      60,
		SignalReadRetentionSeconds: 10,
		SignalQueueCap:             256,

		SSEHeartbeatSeconds: 15,

		PollIntervalActiveMS:     500,
		PollIntervalIdleMS:       2000,
		PushMaxReconnectAttempts: 5,
		CallRingTimeoutSeconds:   60,

		SendQPS:       20,
		SendBurst:     40,
		EnableMetrics: true,

		WebRTCSTUNServers: parseServerList("stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"),
		WebRTCTURNServers: nil,
		WebRTCTURNUser:    "",
		WebRTCTURNPass:    "",
		WebRTCEnabled:     true,

		UploadDir:       "./uploads",
		UploadPublicURL: "http://localhost:8080/files",
		UploadMaxSizeMB: 50,
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("IM_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}
	setList := func(env string, dst *[]string) {
		if v := os.Getenv(env); v != "" {
			*dst = parseServerList(v)
		}
	}

	setStr("IM_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("IM_REDIS_ADDR", &cfg.RedisAddr)
	setStr("IM_REDIS_PASS", &cfg.RedisPass)
	setInt("IM_REDIS_DB", &cfg.RedisDB)
	setStr("IM_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("IM_MONGO_URI", &cfg.MongoURI)
	setStr("IM_JWT_SECRET", &cfg.JWTSecret)

	setStr("IM_MESSAGE_DB", &cfg.MessageDB)

	setStr("IM_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("IM_KAFKA_EVENT_TOPIC", &cfg.KafkaEventTopic)

	setInt("IM_SIGNAL_QUEUE_TTL_SECONDS", &cfg.SignalQueueTTLSeconds)
	setInt("IM_SIGNAL_READ_RETENTION_SECONDS", &cfg.SignalReadRetentionSeconds)
	setInt("IM_SIGNAL_QUEUE_CAP", &cfg.SignalQueueCap)
	setInt("IM_SSE_HEARTBEAT_SECONDS", &cfg.SSEHeartbeatSeconds)

	setInt("IM_POLL_INTERVAL_ACTIVE_MS", &cfg.PollIntervalActiveMS)
	setInt("IM_POLL_INTERVAL_IDLE_MS", &cfg.PollIntervalIdleMS)
	setInt("IM_PUSH_MAX_RECONNECT_ATTEMPTS", &cfg.PushMaxReconnectAttempts)
	setInt("IM_CALL_RING_TIMEOUT_SECONDS", &cfg.CallRingTimeoutSeconds)

	setInt("IM_SEND_QPS", &cfg.SendQPS)
	setInt("IM_SEND_BURST", &cfg.SendBurst)
	setBool("IM_ENABLE_METRICS", &cfg.EnableMetrics)

	setList("IM_WEBRTC_STUN_SERVERS", &cfg.WebRTCSTUNServers)
	setList("IM_WEBRTC_TURN_SERVERS", &cfg.WebRTCTURNServers)
	setStr("IM_WEBRTC_TURN_USER", &cfg.WebRTCTURNUser)
	setStr("IM_WEBRTC_TURN_PASS", &cfg.WebRTCTURNPass)
	setBool("IM_WEBRTC_ENABLED", &cfg.WebRTCEnabled)

	setStr("IM_UPLOAD_DIR", &cfg.UploadDir)
	setStr("IM_UPLOAD_PUBLIC_URL", &cfg.UploadPublicURL)
	setInt("IM_UPLOAD_MAX_SIZE_MB", &cfg.UploadMaxSizeMB)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// 解析服务器列表（逗号分隔）
func parseServerList(s string) []string {
	if s == "" {
		return nil
	}
	var servers []string
	for i := 0; i < len(s); {
		start := i
		for i < len(s) && s[i] != ',' {
			i++
		}
		if start < i {
			server := s[start:i]
			for len(server) > 0 && server[0] == ' ' {
				server = server[1:]
			}
			for len(server) > 0 && server[len(server)-1] == ' ' {
				server = server[:len(server)-1]
			}
			if server != "" {
				servers = append(servers, server)
			}
		}
		if i < len(s) {
			i++ // skip comma
		}
	}
	return servers
}
