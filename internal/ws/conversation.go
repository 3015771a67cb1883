package ws

// conversationSeparator joins the two participant ids into the canonical
// conversation id.
const conversationSeparator = "_"

// ConversationID derives the canonical conversation id for a pair of
// participants: the lexicographically smaller id first, then the
// separator, then the larger id. It is pure and order-independent, so
// the send path and the explicit start-conversation path always agree.
// Equal ids (a self-conversation) yield "id_id".
func ConversationID(a, b string) string {
	if a < b {
		return a + conversationSeparator + b
	}
	return b + conversationSeparator + a
}
