package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeJoinTrimsNickname(t *testing.T) {
	got, err := Decode(Inbound{Type: TypeJoin, Data: json.RawMessage(`{"nickname":"  alice  "}`)})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req, ok := got.(JoinRequest); !ok || req.Nickname != "alice" {
		t.Fatalf("unexpected payload: %#v", got)
	}
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	long := strings.Repeat("x", MaxNicknameLen+1)
	tests := []struct {
		name string
		in   Inbound
	}{
		{"missing type", Inbound{}},
		{"unknown type", Inbound{Type: "shout"}},
		{"join without data", Inbound{Type: TypeJoin}},
		{"blank nickname", Inbound{Type: TypeJoin, Data: json.RawMessage(`{"nickname":"   "}`)}},
		{"long nickname", Inbound{Type: TypeJoin, Data: json.RawMessage(`{"nickname":"` + long + `"}`)}},
		{"bad json", Inbound{Type: TypeSendMessage, Data: json.RawMessage(`{"content":`)}},
		{"long content", Inbound{Type: TypeSendMessage, Data: json.RawMessage(`{"content":"` + strings.Repeat("y", MaxContentLen+1) + `"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.in); err == nil {
				t.Fatalf("expected error for %#v", tt.in)
			}
		})
	}
}

func TestDecodeAcceptsEmptyContentAndBarePing(t *testing.T) {
	got, err := Decode(Inbound{Type: TypeSendMessage, Data: json.RawMessage(`{"content":""}`)})
	if err != nil {
		t.Fatalf("empty content should reach the pipeline: %v", err)
	}
	if _, ok := got.(SendMessageRequest); !ok {
		t.Fatalf("unexpected payload: %#v", got)
	}

	got, err = Decode(Inbound{Type: TypePing})
	if err != nil || got.(Ping).TS != 0 {
		t.Fatalf("bare ping: %#v, %v", got, err)
	}

	if got, err := Decode(Inbound{Type: TypeAdminJoin}); got != nil || err != nil {
		t.Fatalf("admin_join: %#v, %v", got, err)
	}
}

func TestEventEnvelope(t *testing.T) {
	b, err := json.Marshal(Event{Type: TypeChatMessage, Data: ChatMessage{Nickname: "alice", Content: "hi", Reputation: 2, GainedReputation: true, Timestamp: 5}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"new_message","data":{"nickname":"alice","content":"hi","xp":2,"gainedXp":true,"timestamp":5}}`
	if string(b) != want {
		t.Fatalf("got %s\nwant %s", b, want)
	}

	b, _ = json.Marshal(Event{Type: TypeAdminPresenceDirty})
	if string(b) != `{"type":"admin_user_list_update"}` {
		t.Fatalf("payload-less event: %s", b)
	}
}
