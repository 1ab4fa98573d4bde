// Package protocol decodes and builds the JSON envelopes exchanged over the
// message channel. Type strings are decoded once at the boundary into Kind.
package protocol

// Kind is the closed set of envelope categories the client dispatches on.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindStatusUpdate
	KindUserJoined
	KindUserLeft
	KindTyping
	KindFileStart
	KindFileChunk
	KindFileEnd
	KindFileCancel
)

// Wire type strings written by this client.
const (
	TypeMessage      = "message"
	TypeStatusUpdate = "status_update"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeTypingStart  = "typing_start"
	TypeTypingStop   = "typing_stop"
	TypeFileStart    = "file_start"
	TypeFileChunk    = "file_chunk"
	TypeFileEnd      = "file_end"
	TypeFileCancel   = "file_cancel"
)

var kindAliases = map[string]Kind{
	"message":       KindMessage,
	"MESSAGE":       KindMessage,
	"chat_message":  KindMessage,
	"status_update": KindStatusUpdate,
	"STATUS_UPDATE": KindStatusUpdate,
	"user_joined":   KindUserJoined,
	"USER_JOINED":   KindUserJoined,
	"user_left":     KindUserLeft,
	"USER_LEFT":     KindUserLeft,
	"typing_start":  KindTyping,
	"typing_stop":   KindTyping,
	"TYPING_START":  KindTyping,
	"TYPING_STOP":   KindTyping,
	"file_start":    KindFileStart,
	"FILE_START":    KindFileStart,
	"file_chunk":    KindFileChunk,
	"FILE_CHUNK":    KindFileChunk,
	"file_end":      KindFileEnd,
	"FILE_END":      KindFileEnd,
	"file_cancel":   KindFileCancel,
	"FILE_CANCEL":   KindFileCancel,
}

// ParseKind maps a wire type string, including its known aliases, to a Kind.
func ParseKind(s string) Kind {
	if k, ok := kindAliases[s]; ok {
		return k
	}
	return KindUnknown
}

// Kinds lists every dispatchable kind, KindUnknown included.
func Kinds() []Kind {
	return []Kind{
		KindMessage, KindStatusUpdate, KindUserJoined, KindUserLeft, KindTyping,
		KindFileStart, KindFileChunk, KindFileEnd, KindFileCancel, KindUnknown,
	}
}

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindStatusUpdate:
		return "status_update"
	case KindUserJoined:
		return "user_joined"
	case KindUserLeft:
		return "user_left"
	case KindTyping:
		return "typing"
	case KindFileStart:
		return "file_start"
	case KindFileChunk:
		return "file_chunk"
	case KindFileEnd:
		return "file_end"
	case KindFileCancel:
		return "file_cancel"
	default:
		return "unknown"
	}
}
