package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// resolveServer picks the orchestrator base URL: --server flag, then
// SUBCHAT_SERVER, then the local default.
func resolveServer() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	if env := os.Getenv("SUBCHAT_SERVER"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return "http://localhost:8080"
}

var apiClient = &http.Client{Timeout: 30 * time.Second}

// apiCall sends one JSON request and decodes the JSON result into out.
// Non-2xx responses are returned as errors carrying the server's error
// body when it has one.
func apiCall(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, resolveServer()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr datatypes.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// resolveNode returns the node to operate on: the given id when set,
// otherwise the server's active node.
func resolveNode(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	var active datatypes.ActiveResponse
	if err := apiCall(http.MethodGet, "/api/conversations/active", nil, &active); err != nil {
		return "", err
	}
	if active.NodeID == "" {
		return "", fmt.Errorf("no active conversation; create one with 'subchat new' or pass --node")
	}
	return active.NodeID, nil
}
