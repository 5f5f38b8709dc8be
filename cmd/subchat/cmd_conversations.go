package main

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// runNew creates a root conversation and reports its id.
func runNew(cmd *cobra.Command, args []string) {
	req := datatypes.CreateConversationRequest{Title: strings.Join(args, " ")}
	var resp datatypes.CreateConversationResponse
	if err := apiCall(http.MethodPost, "/api/conversations", &req, &resp); err != nil {
		log.Fatalf("Failed to create conversation: %v", err)
	}
	fmt.Printf("Created conversation %s (%q)\n", resp.NodeID, resp.Title)
}

// runBranch creates a subchat under --parent (or the active node),
// carrying the follow-up record when --selected or --context is given.
func runBranch(cmd *cobra.Command, args []string) {
	parent, err := resolveNode(parentID)
	if err != nil {
		log.Fatalf("Failed to resolve parent: %v", err)
	}

	req := datatypes.CreateSubchatRequest{
		Title:           strings.Join(args, " "),
		SelectedText:    selected,
		FollowUpContext: followUp,
	}
	if selected != "" || followUp != "" {
		req.ContextType = datatypes.ContextTypeFollowUp
	}

	var resp datatypes.CreateSubchatResponse
	if err := apiCall(http.MethodPost, "/api/conversations/"+parent+"/subchats", &req, &resp); err != nil {
		log.Fatalf("Failed to create subchat: %v", err)
	}
	fmt.Printf("Created subchat %s (%q) under %s\n", resp.NodeID, resp.Title, resp.ParentID)
}

// runTree prints the subtree rooted at the argument node, indented by
// depth, with the path from the root above it.
func runTree(cmd *cobra.Command, args []string) {
	var id string
	if len(args) > 0 {
		id = args[0]
	}
	node, err := resolveNode(id)
	if err != nil {
		log.Fatalf("Failed to resolve node: %v", err)
	}

	var resp datatypes.TreeResponse
	if err := apiCall(http.MethodGet, "/api/conversations/"+node+"/tree", nil, &resp); err != nil {
		log.Fatalf("Failed to fetch tree: %v", err)
	}

	if len(resp.Path) > 1 {
		fmt.Printf("Path: %s\n", strings.Join(resp.Path, " > "))
	}
	printTreeNode(resp.Root, 0)
}

func printTreeNode(n datatypes.TreeNodeView, depth int) {
	fmt.Printf("%s- %s (%s)\n", strings.Repeat("  ", depth), n.Title, n.NodeID)
	for _, child := range n.Children {
		printTreeNode(child, depth+1)
	}
}

// runHistory prints a node's rolling summary and live buffer. The
// archive is not consulted; this is the view the next prompt will see.
func runHistory(cmd *cobra.Command, args []string) {
	var id string
	if len(args) > 0 {
		id = args[0]
	}
	node, err := resolveNode(id)
	if err != nil {
		log.Fatalf("Failed to resolve node: %v", err)
	}

	var resp datatypes.HistoryResponse
	if err := apiCall(http.MethodGet, "/api/conversations/"+node+"/history", nil, &resp); err != nil {
		log.Fatalf("Failed to fetch history: %v", err)
	}

	fmt.Printf("%s (%s)\n", resp.Title, resp.NodeID)
	if resp.Summary != "" {
		fmt.Printf("\nSummary: %s\n", resp.Summary)
	}
	fmt.Println()
	for _, turn := range resp.Turns {
		fmt.Printf("[%s] %s\n", turn.Role, turn.Content)
	}
}
