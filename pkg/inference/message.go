package inference

// Role defines message roles in a conversation.
type Role string

const (
	// RoleSystem carries stage instructions.
	RoleSystem Role = "system"

	// RoleUser is the caller.
	RoleUser Role = "user"

	// RoleAssistant is the sales agent.
	RoleAssistant Role = "assistant"
)

// Message represents a chat message in a conversation.
type Message struct {
	Role    Role
	Content string
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
