package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// APISignals 通过 REST 呼叫接口发送信令，实现 SignalSender。
type APISignals struct {
	BaseURL string
	Token   string
	HTTPC   *http.Client
}

func NewAPISignals(baseURL, token string) *APISignals {
	return &APISignals{BaseURL: baseURL, Token: token, HTTPC: &http.Client{}}
}

func (a *APISignals) post(path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, a.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.Token)
	resp, err := a.HTTPC.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s status %d", path, resp.StatusCode)
	}
	return nil
}

func (a *APISignals) SendCallOffer(to string, signal models.CallSignal, name string) error {
	return a.post("/api/calls/offer", map[string]any{"to": to, "signal": signal, "name": name})
}

func (a *APISignals) SendCallAnswer(to string, answer models.CallSignal) error {
	return a.post("/api/calls/answer", map[string]any{"to": to, "type": answer.Type, "sdp": answer.SDP})
}

func (a *APISignals) SendICECandidate(to string, c models.IceCandidatePayload) error {
	return a.post("/api/calls/candidate", map[string]any{"to": to, "candidate": c})
}

func (a *APISignals) SendEndCall(to string) error {
	return a.post("/api/calls/end", map[string]any{"to": to})
}
