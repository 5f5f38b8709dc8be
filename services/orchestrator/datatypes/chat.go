// This file contains request and response types for the conversation
// endpoints. The domain model types live in conversation.go.

package datatypes

import (
	"github.com/go-playground/validator/v10"
)

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	// Checked in bytes, not runes, to bound memory on hostile payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxTitleLength bounds client-supplied conversation titles.
	MaxTitleLength = 200

	// MaxSelectedTextLength bounds the parent fragment carried on a
	// follow-up record. The fragment is meant to be a short selection,
	// never a buffer dump.
	MaxSelectedTextLength = 2000
)

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on a string field by
// byte length.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Conversation Creation
// =============================================================================

// CreateConversationRequest is the body of POST /api/conversations.
//
// # Fields
//
//   - Title: Optional. Display title for the new root conversation.
//     Defaults to "New Chat" so the first completed turn can generate one.
type CreateConversationRequest struct {
	Title string `json:"title" validate:"omitempty,max=200"`
}

// Validate validates the request fields.
func (r *CreateConversationRequest) Validate() error {
	return chatValidate.Struct(r)
}

// CreateConversationResponse is the result of creating a root node.
type CreateConversationResponse struct {
	NodeID string `json:"node_id"`
	Title  string `json:"title"`
}

// CreateSubchatRequest is the body of
// POST /api/conversations/:parent_id/subchats.
//
// # Fields
//
//   - Title: Optional display title, defaults like a root conversation.
//   - SelectedText: Optional fragment the user selected in the parent.
//   - FollowUpContext: Optional intent the user typed for the branch.
//   - ContextType: One of follow_up, new_topic, general. Defaults to
//     general. Only follow_up produces a system prompt line in the child.
type CreateSubchatRequest struct {
	Title           string `json:"title" validate:"omitempty,max=200"`
	SelectedText    string `json:"selected_text" validate:"omitempty,max=2000"`
	FollowUpContext string `json:"follow_up_context" validate:"omitempty,max=2000"`
	ContextType     string `json:"context_type" validate:"omitempty,oneof=follow_up new_topic general"`
}

// Validate validates the request fields.
func (r *CreateSubchatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates the default context type.
func (r *CreateSubchatRequest) EnsureDefaults() {
	if r.ContextType == "" {
		r.ContextType = ContextTypeGeneral
	}
}

// CreateSubchatResponse is the result of creating a child node.
type CreateSubchatResponse struct {
	NodeID   string `json:"node_id"`
	Title    string `json:"title"`
	ParentID string `json:"parent_id"`
}

// =============================================================================
// Turn Submission
// =============================================================================

// MessageRequest is the body of both the blocking and the streaming turn
// endpoints.
//
// # Fields
//
//   - Message: Required. The user's message text, at most 32KB.
//   - DisableRAG: Optional. When true, archive retrieval is skipped for
//     this turn; the prompt carries only follow-up, summary and buffer.
//
// # Validation
//
//   - Message: required, non-empty after binding, max 32768 bytes.
type MessageRequest struct {
	Message    string `json:"message" binding:"required" validate:"required,maxbytes"`
	DisableRAG bool   `json:"disable_rag"`
}

// Validate validates the request fields.
func (r *MessageRequest) Validate() error {
	return chatValidate.Struct(r)
}

// MessageResponse is the result of a non-streaming turn.
//
// ConversationTitle is set only on the turn that generated the node's
// title; later turns omit it.
type MessageResponse struct {
	Response          string `json:"response"`
	ConversationTitle string `json:"conversation_title,omitempty"`
}

// StreamFrame is one frame of a streamed turn, identical over SSE and
// websocket. Type is token, title, done or error; done frames carry no
// content.
type StreamFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// =============================================================================
// Node Inspection
// =============================================================================

// TurnView is one buffer turn as rendered by the history endpoint.
type TurnView struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

// NodeInfoResponse is the metadata view of a single node.
type NodeInfoResponse struct {
	NodeID            string          `json:"node_id"`
	Title             string          `json:"title"`
	ParentID          string          `json:"parent_id,omitempty"`
	Children          []string        `json:"children"`
	CreatedAt         float64         `json:"created_at"`
	MessagesProcessed int             `json:"messages_processed"`
	BufferLength      int             `json:"buffer_length"`
	HasSummary        bool            `json:"has_summary"`
	FollowUp          *FollowUpRecord `json:"follow_up,omitempty"`
}

// HistoryResponse is the buffer view of a single node. It reflects only
// the live buffer, never the archive.
type HistoryResponse struct {
	NodeID  string     `json:"node_id"`
	Title   string     `json:"title"`
	Summary string     `json:"summary,omitempty"`
	Turns   []TurnView `json:"turns"`
}

// ConversationListItem is one row of the conversation listing.
type ConversationListItem struct {
	NodeID        string  `json:"node_id"`
	Title         string  `json:"title"`
	ParentID      string  `json:"parent_id,omitempty"`
	ChildrenCount int     `json:"children_count"`
	CreatedAt     float64 `json:"created_at"`
}

// TreeNodeView is one node of a subtree rendering, children nested.
type TreeNodeView struct {
	NodeID   string         `json:"node_id"`
	Title    string         `json:"title"`
	Children []TreeNodeView `json:"children"`
}

// TreeResponse is the subtree view rooted at the requested node.
type TreeResponse struct {
	Root TreeNodeView `json:"root"`
	Path []string     `json:"path"`
}

// ActiveResponse reports the forest's active node.
type ActiveResponse struct {
	NodeID string `json:"node_id,omitempty"`
	Title  string `json:"title,omitempty"`
}

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// Admin
// =============================================================================

// ArchiveStatsResponse reports archive occupancy.
type ArchiveStatsResponse struct {
	TotalRecords   int64  `json:"total_records"`
	ClassName      string `json:"class_name"`
	EmbeddingModel string `json:"embedding_model"`
	EmbeddingDim   int    `json:"embedding_dim"`
}

// BackupRequest drives the archive backup endpoint.
//
// Action selects between creating a new backup and restoring a prior
// one; ID names the backup on the filesystem backend.
type BackupRequest struct {
	ID     string `json:"id" binding:"required" validate:"required,max=128"`
	Action string `json:"action" binding:"required" validate:"required,oneof=create restore"`
}

// Validate validates the request fields.
func (r *BackupRequest) Validate() error {
	return chatValidate.Struct(r)
}

// BackupResponse reports the outcome of a backup action.
type BackupResponse struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
}
