package transcript

import (
	"github.com/go-go-golems/parley/pkg/conversation"
)

// Kind is the closed set of shapes the codec recognizes. Classification of
// strings is content-based: the transcript pattern is tried before the XML
// pattern before falling back to a plain string. That precedence is
// load-bearing, since a plain string can coincidentally satisfy the looser
// XML pattern.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindTranscript
	KindXml
	KindBasicMessage
	KindConversationMessage
	KindBasicMessageList
	KindConversationMessageList
	KindEmptyList
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindTranscript:
		return "transcript"
	case KindXml:
		return "xml"
	case KindBasicMessage:
		return "basicMessage"
	case KindConversationMessage:
		return "conversationMessage"
	case KindBasicMessageList:
		return "[basicMessage]"
	case KindConversationMessageList:
		return "[conversationMessage]"
	case KindEmptyList:
		return "[]"
	default:
		return "unknown"
	}
}

// Classify tags an input value with the shape the codec would use to
// convert it. Lists are tagged from their element type; an empty list is
// its own kind since nothing can be converted from it.
func Classify(value interface{}) Kind {
	switch v := value.(type) {
	case nil:
		return KindNull
	case string:
		if len(ParseTranscript(v)) > 0 {
			return KindTranscript
		}
		if len(ParseXml(v)) > 0 {
			return KindXml
		}
		return KindString
	case conversation.BasicMessage, *conversation.BasicMessage:
		return KindBasicMessage
	case conversation.Message, *conversation.Message:
		return KindConversationMessage
	case []conversation.BasicMessage:
		if len(v) == 0 {
			return KindEmptyList
		}
		return KindBasicMessageList
	case []conversation.Message:
		if len(v) == 0 {
			return KindEmptyList
		}
		return KindConversationMessageList
	default:
		return KindUnknown
	}
}
