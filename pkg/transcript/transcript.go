package transcript

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// The transcript format serializes a message list as repeated blocks of
//
//	[{author}](#{type})
//	{text}
//
// separated by blank lines. It is both a human-readable export format and
// the prompt-injection format for adapters that flatten history into a
// single string.

var (
	headerRegexp      = regexp.MustCompile(`\[.+?\]\(#.+?\)`)
	headerAuthorRegexp = regexp.MustCompile(`\[(.+?)\]`)
	headerTypeRegexp   = regexp.MustCompile(`\(#(.+?)\)`)
)

// ToTranscript serializes messages into the line-header transcript format.
func ToTranscript(messages []conversation.BasicMessage) string {
	var sb strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&sb, "[%s](#%s)\n%s\n\n", msg.Author, msg.EffectiveType(), msg.Text)
	}
	return strings.TrimSpace(sb.String())
}

// FormatMessage serializes a single message block without the trailing
// separator.
func FormatMessage(msg conversation.BasicMessage) string {
	return fmt.Sprintf("[%s](#%s)\n%s", msg.Author, msg.EffectiveType(), msg.Text)
}

// ParseTranscript extracts the ordered message list from a transcript
// string. Text between two headers belongs to the first; a string with no
// headers yields an empty list.
func ParseTranscript(historyString string) []conversation.BasicMessage {
	headerLocs := headerRegexp.FindAllStringIndex(historyString, -1)
	var messages []conversation.BasicMessage
	for i, loc := range headerLocs {
		header := historyString[loc[0]:loc[1]]
		messageStart := loc[1]
		messageEnd := len(historyString)
		if i+1 < len(headerLocs) {
			messageEnd = headerLocs[i+1][0]
		}
		text := strings.TrimSpace(historyString[messageStart:messageEnd])

		author := headerAuthorRegexp.FindStringSubmatch(header)[1]
		messageType := headerTypeRegexp.FindStringSubmatch(header)[1]

		messages = append(messages, conversation.BasicMessage{
			Author: author,
			Text:   text,
			Type:   messageType,
		})
	}
	return messages
}
