package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sylaw2022/ChatApp/internal/client"
	"github.com/sylaw2022/ChatApp/internal/models"
)

// 终端客户端：登录后同时维护推送与轮询两条事件通道，
// 支持收发消息与发起/接听音视频呼叫（本端收流为主，不采集本地媒体）。

// nullMedia 无本地采集（receive-only 客户端）。
type nullMedia struct{}

type nullStream struct{}

func (nullStream) Release() {}

func (nullMedia) Acquire(video bool) (client.MediaStream, error) { return nullStream{}, nil }

func login(baseURL, username, password string) (token, userID string, err error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(baseURL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", "", fmt.Errorf("login status %d", resp.StatusCode)
	}
	var out struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	return out.Token, out.UserID, nil
}

func fetchICEServers(baseURL, token string) []webrtc.ICEServer {
	req, _ := http.NewRequest(http.MethodGet, baseURL+"/api/webrtc/ice-servers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("ice servers fetch failed err=%v", err)
		return nil
	}
	defer resp.Body.Close()
	var out struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	var servers []webrtc.ICEServer
	for _, s := range out.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return servers
}

func sendMessage(baseURL, token, to, text string) error {
	body, _ := json.Marshal(map[string]string{"recipient": to, "type": "text", "content": text})
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("send status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	server := flag.String("server", "http://localhost:8080", "服务器地址")
	username := flag.String("user", "", "用户名")
	password := flag.String("pass", "", "密码")
	ringTimeout := flag.Duration("ring-timeout", 60*time.Second, "呼叫超时（0 表示不超时）")
	flag.Parse()
	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: client -user <name> -pass <password> [-server url]")
		os.Exit(2)
	}

	token, userID, err := login(*server, *username, *password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	log.Printf("logged in userId=%s", userID)

	signals := client.NewAPISignals(*server, token)
	factory := client.NewPeerFactory(fetchICEServers(*server, token))
	call := client.NewCallMachine(factory, nullMedia{}, signals, *username, *ringTimeout,
		func(status string) {
			if status != "" {
				fmt.Printf("** %s\n", status)
			}
		})

	handler := func(ev *models.Event) {
		switch ev.Type {
		case models.EventReceiveMessage:
			p, err := models.DecodePayload(ev)
			if err != nil {
				return
			}
			msg := p.(*models.ReceiveMessagePayload)
			name := msg.Sender.Nickname
			if name == "" {
				name = msg.Sender.Username
			}
			fmt.Printf("[%s] %s\n", name, msg.Content)
		case models.EventCallUser, models.EventCallAccepted, models.EventIceCandidate, models.EventEndCall:
			call.HandleEvent(ev)
		case models.EventFriendRequest:
			fmt.Println("** new friend request (use the app to accept)")
		case models.EventFriendAccepted:
			fmt.Println("** friend request accepted")
		case models.EventGroupCreated:
			fmt.Println("** you were added to a group")
		case models.EventGroupDeleted:
			fmt.Println("** a group was deleted")
		}
	}

	tr := client.NewTransport(client.TransportConfig{
		BaseURL: *server,
		Token:   token,
	}, handler, call.InCall)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	fmt.Println("commands: msg <user> <text> | call <user> | vcall <user> | answer | hangup | quit")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "msg":
			if len(fields) < 3 {
				fmt.Println("usage: msg <user> <text>")
				continue
			}
			if err := sendMessage(*server, token, fields[1], strings.Join(fields[2:], " ")); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		case "call", "vcall":
			if len(fields) != 2 {
				fmt.Println("usage: call <user>")
				continue
			}
			if err := call.Initiate(fields[1], fields[0] == "vcall"); err != nil {
				fmt.Printf("call failed: %v\n", err)
			}
		case "answer":
			if err := call.Answer(); err != nil {
				fmt.Printf("answer failed: %v\n", err)
			}
		case "hangup":
			if err := call.Hangup(); err != nil {
				fmt.Printf("hangup failed: %v\n", err)
			}
		case "quit":
			call.Hangup()
			return
		default:
			fmt.Println("unknown command")
		}
	}
}
