package protocol

import (
	"strconv"
	"time"
)

// Bytes encodes as a JSON array of byte values rather than base64.
type Bytes []byte

// MarshalJSON writes the bytes as [n,n,...].
func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// ChatMessage is an outbound chat frame, and the server's confirmation of it.
type ChatMessage struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
	GroupID    int64  `json:"group_id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
}

// GroupEvent covers joins, leaves and typing indicators.
type GroupEvent struct {
	Type      string `json:"type"`
	GroupID   int64  `json:"group_id"`
	UserID    int64  `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

// StatusUpdate announces a user's online state.
type StatusUpdate struct {
	Type         string `json:"type"`
	UserID       int64  `json:"user_id"`
	OnlineStatus bool   `json:"online_status"`
	UserName     string `json:"user_name,omitempty"`
	Username     string `json:"username,omitempty"`
}

// FileStart opens a chunked transfer.
type FileStart struct {
	Type        string `json:"type"`
	UploadID    string `json:"uploadId"`
	GroupID     int64  `json:"groupId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
	TotalChunks int    `json:"totalChunks"`
}

// FileChunk carries one slice of a transfer.
type FileChunk struct {
	Type        string `json:"type"`
	UploadID    string `json:"uploadId"`
	GroupID     int64  `json:"groupId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Chunk       Bytes  `json:"chunk"`
}

// FileEnd closes a transfer.
type FileEnd struct {
	Type     string `json:"type"`
	UploadID string `json:"uploadId"`
	GroupID  int64  `json:"groupId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// FileCancel abandons a transfer.
type FileCancel struct {
	Type     string `json:"type"`
	UploadID string `json:"uploadId"`
}

// NewChatMessage builds a chat frame stamped with now.
func NewChatMessage(groupID, senderID int64, content, clientID string, now time.Time) ChatMessage {
	return ChatMessage{
		Type:      TypeMessage,
		ClientID:  clientID,
		GroupID:   groupID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: FormatTimestamp(now),
	}
}

// NewJoin builds a user_joined frame.
func NewJoin(groupID, userID int64, now time.Time) GroupEvent {
	return GroupEvent{Type: TypeUserJoined, GroupID: groupID, UserID: userID, Timestamp: FormatTimestamp(now)}
}

// NewLeave builds a user_left frame.
func NewLeave(groupID, userID int64, now time.Time) GroupEvent {
	return GroupEvent{Type: TypeUserLeft, GroupID: groupID, UserID: userID, Timestamp: FormatTimestamp(now)}
}

// NewTyping builds a typing_start or typing_stop frame.
func NewTyping(groupID, userID int64, typing bool, now time.Time) GroupEvent {
	typ := TypeTypingStop
	if typing {
		typ = TypeTypingStart
	}
	return GroupEvent{Type: typ, GroupID: groupID, UserID: userID, Timestamp: FormatTimestamp(now)}
}

func NewFileStart(uploadID string, groupID int64, name string, size int64, fileType string, totalChunks int) FileStart {
	return FileStart{
		Type:        TypeFileStart,
		UploadID:    uploadID,
		GroupID:     groupID,
		FileName:    name,
		FileSize:    size,
		FileType:    fileType,
		TotalChunks: totalChunks,
	}
}

func NewFileChunk(uploadID string, groupID int64, index, totalChunks int, chunk []byte) FileChunk {
	return FileChunk{
		Type:        TypeFileChunk,
		UploadID:    uploadID,
		GroupID:     groupID,
		ChunkIndex:  index,
		TotalChunks: totalChunks,
		Chunk:       Bytes(chunk),
	}
}

func NewFileEnd(uploadID string, groupID int64, name string, size int64) FileEnd {
	return FileEnd{Type: TypeFileEnd, UploadID: uploadID, GroupID: groupID, FileName: name, FileSize: size}
}

func NewFileCancel(uploadID string) FileCancel {
	return FileCancel{Type: TypeFileCancel, UploadID: uploadID}
}
