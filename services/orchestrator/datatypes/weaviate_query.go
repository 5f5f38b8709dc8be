package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response structure.
//   - Type mismatches will result in zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// ArchiveQueryResponse is the Get response shape for ArchiveRecord
// queries.
type ArchiveQueryResponse struct {
	Get struct {
		ArchiveRecord []ArchiveResult `json:"ArchiveRecord"`
	} `json:"Get"`
}

// ArchiveResult is a single archived turn from a query, with the
// _additional block carrying the Weaviate object id and match quality.
type ArchiveResult struct {
	RecordID          string  `json:"record_id"`
	NodeID            string  `json:"node_id"`
	Role              string  `json:"role"`
	Content           string  `json:"content"`
	Timestamp         float64 `json:"timestamp"`
	ConversationTitle string  `json:"conversation_title"`
	Additional        struct {
		ID        string   `json:"id"`
		Distance  *float32 `json:"distance"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// ArchiveAggregateResponse is the Aggregate response shape used for
// archive statistics.
type ArchiveAggregateResponse struct {
	Aggregate struct {
		ArchiveRecord []struct {
			Meta struct {
				Count int64 `json:"count"`
			} `json:"meta"`
		} `json:"ArchiveRecord"`
	} `json:"Aggregate"`
}
