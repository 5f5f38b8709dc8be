// Package handlers implements the orchestrator's HTTP surface with gin:
// conversation CRUD, blocking and streamed chat turns, the websocket
// variant, archive administration and health.
//
// Handlers stay thin. Request parsing, validation and status mapping live
// here; everything stateful happens in the conversation, memory and
// services packages.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moonmehedi/subchat/services/orchestrator/conversation"
	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// HandleCreateConversation creates a new root conversation.
//
// POST /api/conversations with an optional {title}. An absent body means
// an untitled conversation; the first completed turn will name it.
func HandleCreateConversation(forest *conversation.Forest) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateConversationRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
				return
			}
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		node := forest.CreateRoot(req.Title)
		c.JSON(http.StatusOK, datatypes.CreateConversationResponse{
			NodeID: node.ID,
			Title:  node.Title(),
		})
	}
}

// HandleCreateSubchat creates a child conversation under an existing node.
//
// POST /api/conversations/:node_id/subchats, where the path node is the
// parent. The optional selection and context fields become the child's
// follow-up record; nothing else of the parent crosses over.
func HandleCreateSubchat(forest *conversation.Forest) gin.HandlerFunc {
	return func(c *gin.Context) {
		parentID := c.Param("node_id")

		var req datatypes.CreateSubchatRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
				return
			}
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		var followUp *datatypes.FollowUpRecord
		if req.SelectedText != "" || req.FollowUpContext != "" || req.ContextType != "" {
			req.EnsureDefaults()
			followUp = &datatypes.FollowUpRecord{
				SelectedText:    req.SelectedText,
				FollowUpContext: req.FollowUpContext,
				ContextType:     req.ContextType,
			}
		}

		node, err := forest.CreateChild(parentID, req.Title, followUp)
		if err != nil {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "parent conversation not found"})
			return
		}
		c.JSON(http.StatusOK, datatypes.CreateSubchatResponse{
			NodeID:   node.ID,
			Title:    node.Title(),
			ParentID: parentID,
		})
	}
}

// HandleGetConversation returns one node's metadata.
func HandleGetConversation(forest *conversation.Forest) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, err := forest.Get(c.Param("node_id"))
		if err != nil {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "conversation not found"})
			return
		}
		c.JSON(http.StatusOK, nodeInfoResponse(node.Info()))
	}
}

// HandleGetHistory returns a node's buffered turns and rolling summary.
// Evicted turns live only in the archive and are not part of this view.
func HandleGetHistory(forest *conversation.Forest) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, err := forest.Get(c.Param("node_id"))
		if err != nil {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "conversation not found"})
			return
		}

		title, summary, turns := node.History()
		views := make([]datatypes.TurnView, 0, len(turns))
		for _, t := range turns {
			views = append(views, datatypes.TurnView{
				Role:      t.Role,
				Content:   t.Text,
				Timestamp: t.Timestamp,
			})
		}
		c.JSON(http.StatusOK, datatypes.HistoryResponse{
			NodeID:  node.ID,
			Title:   title,
			Summary: summary,
			Turns:   views,
		})
	}
}

// HandleListConversations lists every node, roots first, each root's
// subtree in preorder.
func HandleListConversations(forest *conversation.Forest) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodes := forest.List()
		items := make([]datatypes.ConversationListItem, 0, len(nodes))
		for _, n := range nodes {
			info := n.Info()
			items = append(items, datatypes.ConversationListItem{
				NodeID:        info.ID,
				Title:         info.Title,
				ParentID:      info.ParentID,
				ChildrenCount: len(info.Children),
				CreatedAt:     unixSeconds(info),
			})
		}
		c.JSON(http.StatusOK, gin.H{"conversations": items, "total": len(items)})
	}
}

// HandleGetTree returns the subtree rooted at a node plus the path from
// its root down to it.
func HandleGetTree(forest *conversation.Forest) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.Param("node_id")
		subtree, err := forest.Subtree(nodeID)
		if err != nil {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "conversation not found"})
			return
		}

		byID := make(map[string]*conversation.Node, len(subtree))
		for _, n := range subtree {
			byID[n.ID] = n
		}
		c.JSON(http.StatusOK, datatypes.TreeResponse{
			Root: buildTreeView(subtree[0], byID),
			Path: pathToRoot(forest, subtree[0]),
		})
	}
}

// HandleDeleteConversation deletes a node and its whole subtree. Archive
// records survive; only live conversation state goes away.
func HandleDeleteConversation(forest *conversation.Forest) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.Param("node_id")
		deleted, err := forest.Delete(nodeID)
		if err != nil {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "conversation not found"})
			return
		}
		slog.Info("Deleted conversation via API", "node_id", nodeID, "nodes_removed", len(deleted))
		c.JSON(http.StatusOK, gin.H{
			"status":        "success",
			"deleted_nodes": deleted,
		})
	}
}

// HandleActivate marks a node as the active conversation.
func HandleActivate(forest *conversation.Forest) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.Param("node_id")
		if err := forest.SetActive(nodeID); err != nil {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "conversation not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "active_node_id": nodeID})
	}
}

// HandleGetActive returns the active conversation, or an empty object when
// the forest has none.
func HandleGetActive(forest *conversation.Forest) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, ok := forest.Active()
		if !ok {
			c.JSON(http.StatusOK, datatypes.ActiveResponse{})
			return
		}
		c.JSON(http.StatusOK, datatypes.ActiveResponse{
			NodeID: node.ID,
			Title:  node.Title(),
		})
	}
}

func nodeInfoResponse(info conversation.NodeInfo) datatypes.NodeInfoResponse {
	return datatypes.NodeInfoResponse{
		NodeID:            info.ID,
		Title:             info.Title,
		ParentID:          info.ParentID,
		Children:          info.Children,
		CreatedAt:         unixSeconds(info),
		MessagesProcessed: info.MessagesProcessed,
		BufferLength:      info.BufferLen,
		HasSummary:        info.HasSummary,
		FollowUp:          info.FollowUp,
	}
}

// unixSeconds renders a node's creation time in the same float-seconds
// convention turn timestamps use.
func unixSeconds(info conversation.NodeInfo) float64 {
	return float64(info.CreatedAt.UnixNano()) / 1e9
}

// buildTreeView renders the subtree below n. byID holds every node of the
// subtree, so missing children (deleted mid-walk) just drop out.
func buildTreeView(n *conversation.Node, byID map[string]*conversation.Node) datatypes.TreeNodeView {
	view := datatypes.TreeNodeView{
		NodeID:   n.ID,
		Title:    n.Title(),
		Children: []datatypes.TreeNodeView{},
	}
	for _, childID := range n.Children() {
		if child, ok := byID[childID]; ok {
			view.Children = append(view.Children, buildTreeView(child, byID))
		}
	}
	return view
}

// pathToRoot returns the node ids from the tree's root down to n.
func pathToRoot(forest *conversation.Forest, n *conversation.Node) []string {
	path := []string{n.ID}
	cur := n
	for cur.ParentID != "" {
		parent, err := forest.Get(cur.ParentID)
		if err != nil {
			break
		}
		path = append([]string{parent.ID}, path...)
		cur = parent
	}
	return path
}
