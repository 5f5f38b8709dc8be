package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// runChat sends one message to --node (or the active node) and streams
// the reply to stdout token by token.
func runChat(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		log.Fatal("Usage: subchat chat [message]")
	}
	node, err := resolveNode(nodeID)
	if err != nil {
		log.Fatalf("Failed to resolve node: %v", err)
	}

	message := strings.Join(args, " ")
	if err := streamTurn(node, message, os.Stdout); err != nil {
		log.Fatalf("Chat failed: %v", err)
	}
}

// streamTurn posts one turn to the streaming endpoint and relays token
// frames to out until the stream terminates. A title frame is reported
// on its own line; an error frame becomes the returned error.
func streamTurn(node, message string, out io.Writer) error {
	req := datatypes.MessageRequest{Message: message, DisableRAG: noRAG}
	payload, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	url := resolveServer() + "/api/conversations/" + node + "/messages/stream"
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	// No client timeout here: the stream lives as long as the reply.
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr datatypes.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var title string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		frame, ok := parseSSELine(scanner.Text())
		if !ok {
			continue
		}
		switch frame.Type {
		case "token":
			fmt.Fprint(out, frame.Content)
		case "title":
			title = frame.Content
		case "done":
			fmt.Fprintln(out)
			if title != "" {
				fmt.Fprintf(out, "(conversation titled %q)\n", title)
			}
			return nil
		case "error":
			fmt.Fprintln(out)
			return fmt.Errorf("server error: %s", frame.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return fmt.Errorf("stream ended without a done frame")
}

// parseSSELine extracts the frame from one `data: {json}` line.
// Blank lines, comments and unparseable payloads report ok=false.
func parseSSELine(line string) (datatypes.StreamFrame, bool) {
	var frame datatypes.StreamFrame
	payload, found := strings.CutPrefix(line, "data: ")
	if !found {
		return frame, false
	}
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return frame, false
	}
	return frame, true
}
