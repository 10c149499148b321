package models

import (
	"encoding/json"
	"testing"
)

func TestParseEventTypeRejectsUnknown(t *testing.T) {
	for _, s := range []string{"receive_message", "call_user", "call_accepted", "ice_candidate",
		"end_call", "friend_request", "friend_accepted", "group_created", "group_deleted"} {
		if _, err := ParseEventType(s); err != nil {
			t.Fatalf("known type %q rejected: %v", s, err)
		}
	}
	for _, s := range []string{"", "mystery", "RECEIVE_MESSAGE", "receive_message "} {
		if _, err := ParseEventType(s); err == nil {
			t.Fatalf("unknown type %q accepted", s)
		}
	}
}

func TestDecodePayloadByType(t *testing.T) {
	ev := &Event{Type: EventCallUser, Payload: json.RawMessage(`{"from":"u1","signal":{"type":"offer","sdp":"v=0","isVideo":true},"name":"Alice"}`)}
	p, err := DecodePayload(ev)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cu, ok := p.(*CallUserPayload)
	if !ok {
		t.Fatalf("decoded %T, want *CallUserPayload", p)
	}
	if cu.From != "u1" || cu.Signal.Type != "offer" || !cu.Signal.IsVideo {
		t.Fatalf("payload fields lost: %+v", cu)
	}

	ev = &Event{Type: "mystery", Payload: json.RawMessage(`{}`)}
	if _, err := DecodePayload(ev); err == nil {
		t.Fatalf("unknown type decoded without error")
	}
}

func TestIceCandidateNilMarkers(t *testing.T) {
	var p IceCandidatePayload
	if err := json.Unmarshal([]byte(`{"candidate":null,"sdpMid":"0","sdpMLineIndex":0}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Candidate != nil {
		t.Fatalf("null candidate not preserved as nil")
	}
	if p.SDPMid == nil || *p.SDPMid != "0" {
		t.Fatalf("sdpMid lost")
	}
	if p.SDPMLineIndex == nil || *p.SDPMLineIndex != 0 {
		t.Fatalf("sdpMLineIndex lost")
	}
}

func TestEventTargetNotSerialized(t *testing.T) {
	ev := &Event{ID: "e1", Type: EventEndCall, TargetUserID: "u1", Payload: json.RawMessage(`{}`), Timestamp: 123}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k := range m {
		if k == "TargetUserID" || k == "targetUserId" {
			t.Fatalf("routing field leaked into wire payload")
		}
	}
	if m["ts"] != float64(123) {
		t.Fatalf("timestamp field missing")
	}
}
