package message

// ConversationID derives the key grouping all messages between two
// users. Order-independent, so both participants and every instance
// compute the same id with no coordination:
// ConversationID(a, b) == ConversationID(b, a).
//
// User ids must not contain ":"; the id is split back into its
// participants on the consumer side. The gateway rejects such ids at
// authentication and payload validation.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
