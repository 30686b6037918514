package conversation

// Participant describes one side of a conversation: how it is displayed in
// persisted messages and which message type its messages default to.
type Participant struct {
	Display            string
	DefaultMessageType string
}

// Canonical participant keys. Adapters may register additional authors.
const (
	AuthorUser      = "user"
	AuthorAssistant = "assistant"
	AuthorSystem    = "system"
)

// Participants maps canonical author keys to their registry entry. Each
// adapter overrides the defaults with its own labels (e.g. bot display
// "Claude" instead of "Assistant").
type Participants map[string]Participant

// DefaultParticipants returns the registry every client starts from.
func DefaultParticipants() Participants {
	return Participants{
		AuthorUser: {
			Display:            "User",
			DefaultMessageType: DefaultMessageType,
		},
		AuthorAssistant: {
			Display:            "Assistant",
			DefaultMessageType: DefaultMessageType,
		},
		AuthorSystem: {
			Display:            "System",
			DefaultMessageType: "additional_instructions",
		},
	}
}

// Merge overlays overrides on top of p and returns the result. Neither map
// is mutated.
func (p Participants) Merge(overrides Participants) Participants {
	ret := Participants{}
	for author, participant := range p {
		ret[author] = participant
	}
	for author, participant := range overrides {
		ret[author] = participant
	}
	return ret
}

// Display returns the display label for a canonical author key. Unknown
// authors display as themselves.
func (p Participants) Display(author string) string {
	if participant, ok := p[author]; ok && participant.Display != "" {
		return participant.Display
	}
	return author
}

// Author resolves a display label back to its canonical author key. The
// label is returned unchanged when no participant matches, so already
// canonical values pass through.
func (p Participants) Author(display string) string {
	for author, participant := range p {
		if participant.Display == display {
			return author
		}
	}
	return display
}

// MessageType returns the default message type for an author, falling back
// to DefaultMessageType for unregistered authors.
func (p Participants) MessageType(author string) string {
	if participant, ok := p[author]; ok && participant.DefaultMessageType != "" {
		return participant.DefaultMessageType
	}
	return DefaultMessageType
}

// ToBasicMessage converts a persisted node to its adapter-facing normal
// form, resolving the display role back to a canonical author key.
func (p Participants) ToBasicMessage(msg Message) BasicMessage {
	author := p.Author(msg.Role)
	messageType := msg.Type
	if messageType == "" {
		messageType = p.MessageType(author)
	}
	return BasicMessage{
		Author: author,
		Text:   msg.Message,
		Type:   messageType,
	}
}

// ToBasicMessages converts a slice of persisted nodes, preserving order.
func (p Participants) ToBasicMessages(msgs []Message) []BasicMessage {
	ret := make([]BasicMessage, 0, len(msgs))
	for _, msg := range msgs {
		ret = append(ret, p.ToBasicMessage(msg))
	}
	return ret
}
