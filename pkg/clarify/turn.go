package clarify

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of the clarification conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
