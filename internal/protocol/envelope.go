package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformedEnvelope is returned for frames that are not a JSON object or
// carry a field of the wrong shape.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is one decoded inbound frame with every alias already resolved.
type Envelope struct {
	Kind Kind
	// Type is the raw type string as received
	Type string

	GroupID    int64
	SenderID   int64
	UserID     int64
	SenderName string
	Username   string
	Content    string
	MessageID  string
	ClientID   string
	Timestamp  time.Time

	// Online is nil when the frame carries no online flag
	Online *bool

	UploadID    string
	FileName    string
	FileSize    int64
	FileType    string
	TotalChunks int
	ChunkIndex  int
	Chunk       []byte

	// Raw is the original frame
	Raw json.RawMessage
}

// Decode parses one text frame into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: null frame", ErrMalformedEnvelope)
	}

	d := decoder{fields: fields}
	env := &Envelope{Raw: append(json.RawMessage(nil), data...)}

	env.Type = d.str("type", "message_type", "messageType")
	env.Kind = ParseKind(env.Type)
	env.GroupID = d.int("group_id", "groupId")
	env.SenderID = d.int("sender_id", "senderId", "user_id", "userId")
	env.UserID = d.int("user_id", "userId", "sender_id", "senderId")
	env.SenderName = d.str("sender_name", "senderName", "user_name", "userName")
	env.Username = d.str("username")
	env.Content = d.str("content", "message")
	env.MessageID = d.str("message_id", "messageId", "id")
	env.ClientID = d.str("client_id", "clientId")
	env.Timestamp = d.time("timestamp", "created_at", "createdAt")
	env.Online = d.boolean("online_status", "onlineStatus", "online")

	env.UploadID = d.str("uploadId", "upload_id")
	env.FileName = d.str("fileName", "file_name")
	env.FileSize = d.int("fileSize", "file_size")
	env.FileType = d.str("fileType", "file_type")
	env.TotalChunks = int(d.int("totalChunks", "total_chunks"))
	env.ChunkIndex = int(d.int("chunkIndex", "chunk_index"))
	env.Chunk = d.bytes("chunk")

	if d.err != nil {
		return nil, d.err
	}
	return env, nil
}

// decoder resolves aliased fields and keeps the first shape error.
type decoder struct {
	fields map[string]json.RawMessage
	err    error
}

func (d *decoder) lookup(keys ...string) (json.RawMessage, string) {
	for _, k := range keys {
		raw, ok := d.fields[k]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		return bytes.TrimSpace(raw), k
	}
	return nil, ""
}

func (d *decoder) fail(key string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: field %q: %v", ErrMalformedEnvelope, key, err)
	}
}

func (d *decoder) str(keys ...string) string {
	raw, key := d.lookup(keys...)
	if raw == nil {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			d.fail(key, err)
		}
		return s
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		// numeric ids are kept in their literal form
		return string(raw)
	default:
		d.fail(key, errors.New("expected string"))
		return ""
	}
}

func (d *decoder) int(keys ...string) int64 {
	raw, key := d.lookup(keys...)
	if raw == nil {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		d.fail(key, err)
		return 0
	}
	if n == "" {
		return 0
	}
	if v, err := n.Int64(); err == nil {
		return v
	}
	f, err := n.Float64()
	if err != nil {
		d.fail(key, err)
		return 0
	}
	return int64(f)
}

func (d *decoder) boolean(keys ...string) *bool {
	raw, key := d.lookup(keys...)
	if raw == nil {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.fail(key, err)
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		d.fail(key, err)
		return nil
	}
	return &b
}

// bytes accepts an array of byte values or a base64 string.
func (d *decoder) bytes(keys ...string) []byte {
	raw, key := d.lookup(keys...)
	if raw == nil {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			d.fail(key, err)
			return nil
		}
		out, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			d.fail(key, err)
			return nil
		}
		return out
	}
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		d.fail(key, err)
		return nil
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			d.fail(key, fmt.Errorf("byte value %d out of range", v))
			return nil
		}
		out[i] = byte(v)
	}
	return out
}

func (d *decoder) time(keys ...string) time.Time {
	raw, key := d.lookup(keys...)
	if raw == nil {
		return time.Time{}
	}
	if raw[0] != '"' {
		var ms int64
		if err := json.Unmarshal(raw, &ms); err != nil {
			d.fail(key, err)
			return time.Time{}
		}
		return time.UnixMilli(ms).UTC()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.fail(key, err)
		return time.Time{}
	}
	// unparseable timestamps are tolerated; the caller substitutes receive time
	t, _ := ParseTimestamp(s)
	return t
}
