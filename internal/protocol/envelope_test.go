package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/adi-253/echowire/internal/protocol"
)

func TestDecodeChatSnakeCase(t *testing.T) {
	frame := `{"type":"message","message_id":"m-1","client_id":"c-1","group_id":42,"sender_id":7,
		"sender_name":"Bob","content":"hi","timestamp":"2024-03-01T10:00:00.000Z"}`

	env, err := protocol.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != protocol.KindMessage {
		t.Fatalf("kind = %v, want message", env.Kind)
	}
	if env.MessageID != "m-1" || env.ClientID != "c-1" {
		t.Fatalf("ids = %q/%q", env.MessageID, env.ClientID)
	}
	if env.GroupID != 42 || env.SenderID != 7 || env.SenderName != "Bob" || env.Content != "hi" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !env.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", env.Timestamp, want)
	}
}

func TestDecodeCamelCaseAliases(t *testing.T) {
	frame := `{"type":"MESSAGE","messageId":99,"groupId":"42","senderId":7,"message":"yo","createdAt":"2024-03-01T10:00:00"}`

	env, err := protocol.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != protocol.KindMessage {
		t.Fatalf("kind = %v, want message", env.Kind)
	}
	if env.MessageID != "99" {
		t.Fatalf("numeric message id = %q, want 99", env.MessageID)
	}
	if env.GroupID != 42 || env.Content != "yo" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Timestamp.IsZero() || env.Timestamp.Location() != time.UTC {
		t.Fatalf("zone-less timestamp not parsed as UTC: %v", env.Timestamp)
	}
}

func TestDecodeStatusUpdateOnlineForms(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  bool
	}{
		{"bool", `{"type":"status_update","user_id":3,"online_status":true}`, true},
		{"string", `{"type":"status_update","userId":3,"online":"true"}`, true},
		{"false", `{"type":"status_update","user_id":3,"onlineStatus":false}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := protocol.Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if env.Online == nil {
				t.Fatal("online flag missing")
			}
			if *env.Online != tt.want {
				t.Fatalf("online = %v, want %v", *env.Online, tt.want)
			}
			if env.UserID != 3 {
				t.Fatalf("user id = %d, want 3", env.UserID)
			}
		})
	}
}

func TestDecodeChunkForms(t *testing.T) {
	arr, err := protocol.Decode([]byte(`{"type":"file_chunk","uploadId":"u","chunkIndex":1,"totalChunks":2,"chunk":[1,2,255]}`))
	if err != nil {
		t.Fatalf("Decode array: %v", err)
	}
	if string(arr.Chunk) != "\x01\x02\xff" {
		t.Fatalf("chunk = %v", arr.Chunk)
	}
	if arr.ChunkIndex != 1 || arr.TotalChunks != 2 {
		t.Fatalf("index/total = %d/%d", arr.ChunkIndex, arr.TotalChunks)
	}

	b64, err := protocol.Decode([]byte(`{"type":"file_chunk","uploadId":"u","chunkIndex":0,"chunk":"AQL/"}`))
	if err != nil {
		t.Fatalf("Decode base64: %v", err)
	}
	if string(b64.Chunk) != "\x01\x02\xff" {
		t.Fatalf("base64 chunk = %v", b64.Chunk)
	}
}

func TestDecodeMalformed(t *testing.T) {
	frames := []string{
		`not json`,
		`[1,2,3]`,
		`null`,
		`{"type":"message","group_id":{"x":1}}`,
		`{"type":"file_chunk","chunk":[1,2,300]}`,
		`{"type":{"nested":true}}`,
	}
	for _, f := range frames {
		if _, err := protocol.Decode([]byte(f)); !errors.Is(err, protocol.ErrMalformedEnvelope) {
			t.Errorf("Decode(%s) err = %v, want ErrMalformedEnvelope", f, err)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	env, err := protocol.Decode([]byte(`{"type":"reaction","emoji":"+1"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != protocol.KindUnknown || env.Type != "reaction" {
		t.Fatalf("kind/type = %v/%q", env.Kind, env.Type)
	}
}

func TestParseKindAliases(t *testing.T) {
	cases := map[string]protocol.Kind{
		"typing_start": protocol.KindTyping,
		"TYPING_STOP":  protocol.KindTyping,
		"USER_JOINED":  protocol.KindUserJoined,
		"file_cancel":  protocol.KindFileCancel,
		"":             protocol.KindUnknown,
	}
	for in, want := range cases {
		if got := protocol.ParseKind(in); got != want {
			t.Errorf("ParseKind(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileChunkEncodesByteArray(t *testing.T) {
	frame := protocol.NewFileChunk("u-1", 42, 0, 1, []byte{0, 16, 255})
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	chunk, ok := generic["chunk"].([]any)
	if !ok || len(chunk) != 3 {
		t.Fatalf("chunk encoded as %T %v", generic["chunk"], generic["chunk"])
	}
	if chunk[2].(float64) != 255 {
		t.Fatalf("last byte = %v", chunk[2])
	}
	if generic["uploadId"] != "u-1" || generic["type"] != "file_chunk" {
		t.Fatalf("unexpected frame %s", data)
	}

	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(env.Chunk) != "\x00\x10\xff" {
		t.Fatalf("decoded chunk = %v", env.Chunk)
	}
}

func TestChatMessageFrame(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 678_000_000, time.UTC)
	data, err := json.Marshal(protocol.NewChatMessage(42, 7, "hello", "c-9", now))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"type":"message","client_id":"c-9","group_id":42,"sender_id":7,"content":"hello","timestamp":"2024-01-02T03:04:05.678Z"}`
	if string(data) != want {
		t.Fatalf("frame = %s\nwant    %s", data, want)
	}
}

func TestParseTimestamp(t *testing.T) {
	for _, in := range []string{
		"2024-01-02T03:04:05Z",
		"2024-01-02T03:04:05.123456",
		"2024-01-02 03:04:05",
		"2024-01-02T05:04:05+02:00",
	} {
		ts, ok := protocol.ParseTimestamp(in)
		if !ok {
			t.Errorf("ParseTimestamp(%q) failed", in)
			continue
		}
		if ts.Hour() != 3 {
			t.Errorf("ParseTimestamp(%q) hour = %d, want 3 UTC", in, ts.Hour())
		}
	}
	if _, ok := protocol.ParseTimestamp("yesterday"); ok {
		t.Error("expected failure for garbage timestamp")
	}
}
