// Package datatypes provides shared data structures for the orchestrator
// service: the conversation domain model, request/response wire types,
// the embedding service client, and the Weaviate archive schema.
package datatypes

// Roles a conversation turn may carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ValidRole reports whether role is one of user, assistant or system.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Context types a follow-up record may carry. Only ContextTypeFollowUp
// produces a system prompt line; the others record intent for the UI.
const (
	ContextTypeFollowUp = "follow_up"
	ContextTypeNewTopic = "new_topic"
	ContextTypeGeneral  = "general"
)

// DefaultNodeTitle is the placeholder title a node carries until the
// first completed assistant turn generates a real one.
const DefaultNodeTitle = "New Chat"

// Turn is a single message inside a node's buffer.
//
// Timestamp is Unix seconds with sub-second precision. Within one buffer
// timestamps are strictly increasing; equal stamps are bumped by one
// millisecond on append.
type Turn struct {
	Role      string  `json:"role"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
	NodeID    string  `json:"node_id"`
}

// FollowUpRecord captures what motivated a subchat's creation: the text
// the user selected in the parent and the intent they typed. It is set
// once at node creation and never mutated. This record is the only
// parent content that may reach a child's prompt.
type FollowUpRecord struct {
	SelectedText    string `json:"selected_text"`
	FollowUpContext string `json:"follow_up_context"`
	ContextType     string `json:"context_type"`
}

// ArchiveRecordProps are the properties written to the ArchiveRecord
// class for one archived turn. Timestamp is the turn's production time,
// not the indexing time.
type ArchiveRecordProps struct {
	RecordID          string  `json:"record_id"`
	NodeID            string  `json:"node_id"`
	Role              string  `json:"role"`
	Content           string  `json:"content"`
	Timestamp         float64 `json:"timestamp"`
	ConversationTitle string  `json:"conversation_title"`
}

// ToMap converts ArchiveRecordProps to the map format required by the
// Weaviate client's WithProperties method.
func (p *ArchiveRecordProps) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"record_id":          p.RecordID,
		"node_id":            p.NodeID,
		"role":               p.Role,
		"content":            p.Content,
		"timestamp":          p.Timestamp,
		"conversation_title": p.ConversationTitle,
	}
}
