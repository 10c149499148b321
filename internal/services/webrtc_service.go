package services

// WebRTC 服务：下发 ICE 服务器配置。
// 通话状态本身不落在服务端（两端各自维护状态机，服务端只转发信令事件）。
type WebRTCService struct {
	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string
	Enabled     bool
}

func NewWebRTCService(stunServers, turnServers []string, turnUser, turnPass string, enabled bool) *WebRTCService {
	return &WebRTCService{
		STUNServers: stunServers,
		TURNServers: turnServers,
		TURNUser:    turnUser,
		TURNPass:    turnPass,
		Enabled:     enabled,
	}
}

// ICE 服务器配置
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// 获取 ICE 服务器配置
func (s *WebRTCService) GetICEServers() []ICEServer {
	var servers []ICEServer

	if len(s.STUNServers) > 0 {
		servers = append(servers, ICEServer{URLs: s.STUNServers})
	}
	if len(s.TURNServers) > 0 {
		servers = append(servers, ICEServer{
			URLs:       s.TURNServers,
			Username:   s.TURNUser,
			Credential: s.TURNPass,
		})
	}
	return servers
}
