package chat

import "strings"

// splitConversationID undoes message.ConversationID for 1:1 chats.
// Unambiguous because user ids are rejected at the protocol boundary
// when they contain the separator.
func splitConversationID(id string) (a, b string, ok bool) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
