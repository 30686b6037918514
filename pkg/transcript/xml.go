package transcript

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// The XML format wraps each message in a tag named after its author:
//
//	<user type="instructions">
//	text
//	</user>
//
// The type attribute is omitted for the default "message" type.

var openTagRegexp = regexp.MustCompile(`<(\w+)(?:\s+(\w+)="([^"]*)")?>`)

// ToXml serializes messages into the tag-delimited XML format.
func ToXml(messages []conversation.BasicMessage) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg.Type != "" && msg.Type != conversation.DefaultMessageType {
			fmt.Fprintf(&sb, "<%s type=\"%s\">\n", msg.Author, msg.Type)
		} else {
			fmt.Fprintf(&sb, "<%s>\n", msg.Author)
		}
		fmt.Fprintf(&sb, "%s\n</%s>\n", msg.Text, msg.Author)
	}
	return strings.TrimSpace(sb.String())
}

// ParseXml extracts the ordered message list from an XML-format string.
// An opening tag without a matching close tag is skipped. Only the type
// attribute is recognized; other attribute names are carried as the
// message type as well, matching the lenient reference parser.
func ParseXml(xmlString string) []conversation.BasicMessage {
	var messages []conversation.BasicMessage
	offset := 0
	for offset < len(xmlString) {
		loc := openTagRegexp.FindStringSubmatchIndex(xmlString[offset:])
		if loc == nil {
			break
		}
		match := openTagRegexp.FindStringSubmatch(xmlString[offset:])
		author := match[1]
		attributeValue := match[3]

		bodyStart := offset + loc[1]
		closeTag := "</" + author + ">"
		closeIdx := strings.Index(xmlString[bodyStart:], closeTag)
		if closeIdx < 0 {
			offset = bodyStart
			continue
		}

		text := strings.TrimSpace(xmlString[bodyStart : bodyStart+closeIdx])
		msg := conversation.BasicMessage{
			Author: author,
			Text:   text,
		}
		if attributeValue != "" {
			msg.Type = attributeValue
		}
		messages = append(messages, msg)

		offset = bodyStart + closeIdx + len(closeTag)
	}
	return messages
}
