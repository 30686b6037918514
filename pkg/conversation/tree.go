package conversation

// The conversation tree is stored as a flat, append-ordered message list;
// parent-child links live in each message's ParentMessageID. The functions
// below are pure O(n) scans over that list. Result order is always append
// order, which is what makes sibling indices stable across reads.

// MessageByID returns the message with the given id.
func MessageByID(messages []Message, id string) (Message, bool) {
	for _, msg := range messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return Message{}, false
}

// PathToRoot walks parent pointers upward from leafID and returns the
// root→leaf ordered path. A dangling parent pointer terminates the walk
// and yields the partial path rather than an error. A visited set guards
// against parent cycles, which a corrupted cache could otherwise turn into
// an infinite loop.
func PathToRoot(messages []Message, leafID string) []Message {
	var path []Message
	visited := map[string]bool{}
	currentID := leafID
	for currentID != "" {
		if visited[currentID] {
			break
		}
		visited[currentID] = true
		msg, ok := MessageByID(messages, currentID)
		if !ok {
			break
		}
		path = append([]Message{msg}, path...)
		currentID = msg.ParentMessageID
	}
	return path
}

// Children returns all messages whose parent is id, in append order. The
// empty id selects the root messages.
func Children(messages []Message, id string) []Message {
	var children []Message
	for _, msg := range messages {
		if msg.ParentMessageID == id {
			children = append(children, msg)
		}
	}
	return children
}

// Siblings returns the sibling set of the message with the given id: all
// messages sharing its parent, itself included, in append order. Root
// messages are siblings of each other.
func Siblings(messages []Message, id string) []Message {
	msg, ok := MessageByID(messages, id)
	if !ok {
		return nil
	}
	return Children(messages, msg.ParentMessageID)
}

// SiblingIndex returns the position of id within its sibling set, or -1
// when the message does not exist. The index is positional (append order),
// never derived from content.
func SiblingIndex(messages []Message, id string) int {
	for i, sibling := range Siblings(messages, id) {
		if sibling.ID == id {
			return i
		}
	}
	return -1
}

// Parent returns the parent message of id.
func Parent(messages []Message, id string) (Message, bool) {
	msg, ok := MessageByID(messages, id)
	if !ok || msg.ParentMessageID == "" {
		return Message{}, false
	}
	return MessageByID(messages, msg.ParentMessageID)
}
