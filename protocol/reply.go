package protocol

import "strings"

// ReplyKind classifies a single line reply.
type ReplyKind int

const (
	KindOther ReplyKind = iota // Any payload outside the fixed vocabulary
	KindDone
	KindYes
	KindNo
	KindError
)

func (k ReplyKind) String() string {
	switch k {
	case KindDone:
		return "done"
	case KindYes:
		return "yes"
	case KindNo:
		return "no"
	case KindError:
		return "error"
	default:
		return "other"
	}
}

// DecodeReply classifies a single line reply.
func DecodeReply(line string) ReplyKind {
	switch line {
	case ReplyDone:
		return KindDone
	case ReplyYes:
		return KindYes
	case ReplyNo:
		return KindNo
	}

	for _, prefix := range errorReplyPrefixes {
		if strings.HasPrefix(line, prefix) {
			return KindError
		}
	}
	return KindOther
}
