package services

import (
	"context"
	"testing"
	"time"

	"github.com/sylaw2022/ChatApp/internal/models"
	"github.com/sylaw2022/ChatApp/internal/signal"
)

func TestConvIDForUsersIsDirectionless(t *testing.T) {
	if ConvIDForUsers("alice", "bob") != ConvIDForUsers("bob", "alice") {
		t.Fatalf("conv id depends on direction")
	}
	if ConvIDForUsers("alice", "bob") != "alice:bob" {
		t.Fatalf("conv id = %q", ConvIDForUsers("alice", "bob"))
	}
}

func TestConvIDForGroup(t *testing.T) {
	if ConvIDForGroup("g123") != "g:g123" {
		t.Fatalf("group conv id = %q", ConvIDForGroup("g123"))
	}
}

type memMessageStore struct {
	appended []*models.Message
}

func (s *memMessageStore) Append(ctx context.Context, m *models.Message) error {
	s.appended = append(s.appended, m)
	return nil
}

func (s *memMessageStore) List(ctx context.Context, convID string, fromSeq int64, limit int) ([]*models.Message, error) {
	var out []*models.Message
	for _, m := range s.appended {
		if m.ConvID == convID && m.Seq > fromSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeRelations struct {
	friends map[string]bool     // "a:b"（排序后）
	members map[string][]string // groupID -> 成员
}

func (f *fakeRelations) IsFriend(ctx context.Context, a, b string) (bool, error) {
	return f.friends[ConvIDForUsers(a, b)], nil
}

func (f *fakeRelations) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	for _, m := range f.members[groupID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRelations) ListMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	return f.members[groupID], nil
}

type fakeProfiles struct{ users map[string]*models.User }

func (f *fakeProfiles) GetByID(ctx context.Context, userID string) (*models.User, error) {
	return f.users[userID], nil
}

func newTestMessageService(rel *fakeRelations) (*MessageService, *memMessageStore, *signal.Queue) {
	queue := signal.NewQueue(60*time.Second, 10*time.Second, 256)
	ms := &memMessageStore{}
	svc := &MessageService{
		Store:      ms,
		Users:      &fakeProfiles{users: map[string]*models.User{"alice": {ID: "alice", Username: "alice", Nickname: "Alice"}}},
		Friends:    rel,
		Groups:     rel,
		Dispatcher: signal.NewDispatcher(queue, signal.NewRegistry(0), nil),
	}
	return svc, ms, queue
}

func TestSendRequiresFriendship(t *testing.T) {
	svc, ms, _ := newTestMessageService(&fakeRelations{friends: map[string]bool{}})
	_, err := svc.Send(context.Background(), &SendRequest{
		From: "alice", Recipient: "mallory", Type: "text", Content: "hi",
	})
	if err == nil {
		t.Fatalf("send to non-friend accepted")
	}
	if len(ms.appended) != 0 {
		t.Fatalf("message persisted despite rejection")
	}
}

func TestSendToFriendQueuesEvent(t *testing.T) {
	svc, ms, queue := newTestMessageService(&fakeRelations{
		friends: map[string]bool{ConvIDForUsers("alice", "bob"): true},
	})
	msg, err := svc.Send(context.Background(), &SendRequest{
		From: "alice", Recipient: "bob", Type: "text", Content: "hello",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ms.appended) != 1 || msg.ConvID != "alice:bob" {
		t.Fatalf("persisted=%d conv=%q", len(ms.appended), msg.ConvID)
	}

	// 接收方离线：事件仍可经轮询取回；发送者自己不收事件
	evs := queue.Drain("bob")
	if len(evs) != 1 || evs[0].Type != models.EventReceiveMessage {
		t.Fatalf("bob queue: %d events", len(evs))
	}
	p, err := models.DecodePayload(evs[0])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	rp, ok := p.(*models.ReceiveMessagePayload)
	if !ok {
		t.Fatalf("payload type %T", p)
	}
	if rp.ID != msg.ID || rp.Content != "hello" || rp.Sender.ID != "alice" || rp.Sender.Nickname != "Alice" {
		t.Fatalf("payload = %+v", rp)
	}
	if got := queue.Drain("alice"); len(got) != 0 {
		t.Fatalf("sender received own message event")
	}
}

func TestSendToGroupFansOutExceptSender(t *testing.T) {
	svc, _, queue := newTestMessageService(&fakeRelations{
		members: map[string][]string{"g1": {"alice", "bob", "carol"}},
	})
	msg, err := svc.Send(context.Background(), &SendRequest{
		From: "alice", GroupID: "g1", Type: "text", Content: "hey all",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ConvID != "g:g1" {
		t.Fatalf("conv = %q", msg.ConvID)
	}

	seen := map[string]int{}
	for _, u := range []string{"alice", "bob", "carol"} {
		seen[u] = len(queue.Drain(u))
	}
	if seen["alice"] != 0 || seen["bob"] != 1 || seen["carol"] != 1 {
		t.Fatalf("fanout = %v", seen)
	}
}

func TestSendRejectsAmbiguousTarget(t *testing.T) {
	svc, _, _ := newTestMessageService(&fakeRelations{})
	for _, req := range []*SendRequest{
		{From: "alice", Type: "text", Content: "no target"},
		{From: "alice", Recipient: "bob", GroupID: "g1", Type: "text", Content: "both"},
	} {
		if _, err := svc.Send(context.Background(), req); err == nil {
			t.Fatalf("accepted request %+v", req)
		}
	}
}

func TestSendToGroupRequiresMembership(t *testing.T) {
	svc, ms, _ := newTestMessageService(&fakeRelations{
		members: map[string][]string{"g1": {"bob", "carol"}},
	})
	if _, err := svc.Send(context.Background(), &SendRequest{
		From: "alice", GroupID: "g1", Type: "text", Content: "hi",
	}); err == nil {
		t.Fatalf("non-member send accepted")
	}
	if len(ms.appended) != 0 {
		t.Fatalf("message persisted despite rejection")
	}
}
