package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// GenerateFunc produces a completion for a prompt. Using a function
// instead of an interface lets callers pass a simple closure over
// whatever LM client they hold.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// Intent is the coarse class of what a query is really asking for. It
// steers which paraphrases the decomposer generates.
type Intent string

const (
	IntentIdentity   Intent = "identity"
	IntentPreference Intent = "preference"
	IntentDiscussion Intent = "discussion"
	IntentFactual    Intent = "factual"
	IntentGeneral    Intent = "general"
)

// intents is the scan order for normalizing an LM classification. The
// specific intents come before general so a verbose answer resolves to
// the specific one.
var intents = []Intent{
	IntentIdentity,
	IntentPreference,
	IntentDiscussion,
	IntentFactual,
	IntentGeneral,
}

// intentPrompt asks the LM for a one-word classification. The cue
// phrases in the definitions anchor the model to the same boundaries
// for every call.
const intentPrompt = `Classify the intent of this search query as exactly one of:
- identity: asks who the user is ("who am i", "my name", "about me", "user identity")
- preference: asks about likes or dislikes ("favorite", "prefer", "like", "love", "hate", "dislike")
- discussion: asks about past conversation topics ("discussed", "talked about", "mentioned", "said earlier")
- factual: asks for facts or explanations ("what is", "define", "explain", "how does")
- general: anything else

Query: %q

Answer with the single intent word only.`

// intentMaxTokens caps the classification response; one word suffices.
const intentMaxTokens = 10

// expansionTemplate is the shared frame for all expansion prompts; the
// intent config fills in the description, focus hint, and example.
const expansionTemplate = `Given query: %q
Intent: %s

Generate 5-7 SHORT, SPECIFIC search queries. %s

Return ONLY a JSON array of strings: ["query1", "query2", ...]

Example: %s`

// intentConfig parameterizes expansion for one intent. The seeds double
// as the prompt's example array and as padding when the LM returns too
// few usable queries.
type intentConfig struct {
	description string
	focus       string
	seeds       []string
}

var intentConfigs = map[Intent]intentConfig{
	IntentIdentity: {
		description: "user identity/introduction",
		focus:       "Focus on: 'my name is', 'I am a', 'I work as', 'I study'",
		seeds:       []string{"my name is", "I am a student", "I work as", "I study", "about myself"},
	},
	IntentPreference: {
		description: "user preferences/likes",
		focus:       "Focus on: 'my favorite', 'I like', 'I love', 'I prefer', 'I hate'",
		seeds:       []string{"my favorite", "I like", "I love", "I prefer", "I enjoy"},
	},
	IntentDiscussion: {
		description: "past conversation topics",
		focus:       "Focus on: key topics, entities, concepts",
		seeds:       []string{"python programming", "snake facts", "decorators", "async"},
	},
	IntentFactual: {
		description: "factual information",
		focus:       "Break down into: concepts, entities, related topics",
		seeds:       []string{"capital france", "paris location", "french capital", "france geography"},
	},
	IntentGeneral: {
		description: "general information",
		focus:       "Extract: key entities, topics, concepts",
		seeds:       []string{"user data", "personal info", "account details"},
	},
}

// exampleJSON renders the seeds as the JSON array shown in the prompt.
func (c intentConfig) exampleJSON() string {
	quoted := make([]string, len(c.seeds))
	for i, s := range c.seeds {
		quoted[i] = strconv.Quote(s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// DecomposerConfig tunes sub-query generation.
type DecomposerConfig struct {
	// MinSubQueries is the padding target: when the LM yields fewer
	// distinct queries, intent seeds fill in up to this count.
	// Default: 5
	MinSubQueries int

	// MaxSubQueries caps the sub-query list, original included.
	// Default: 7
	MaxSubQueries int

	// MaxTokens is the token budget for the expansion response.
	// Default: 200
	MaxTokens int

	// TimeoutMs bounds each LM call (classification and expansion
	// separately).
	// Default: 2000
	TimeoutMs int
}

// DefaultDecomposerConfig returns the default decomposer configuration.
// Values can be overridden via environment variables:
//   - DECOMPOSER_MIN_SUBQUERIES (default: 5)
//   - DECOMPOSER_MAX_SUBQUERIES (default: 7)
//   - DECOMPOSER_MAX_TOKENS (default: 200)
//   - DECOMPOSER_TIMEOUT_MS (default: 2000)
func DefaultDecomposerConfig() DecomposerConfig {
	return DecomposerConfig{
		MinSubQueries: getEnvInt("DECOMPOSER_MIN_SUBQUERIES", 5),
		MaxSubQueries: getEnvInt("DECOMPOSER_MAX_SUBQUERIES", 7),
		MaxTokens:     getEnvInt("DECOMPOSER_MAX_TOKENS", 200),
		TimeoutMs:     getEnvInt("DECOMPOSER_TIMEOUT_MS", 2000),
	}
}

// Decomposition is the result of expanding one raw user query.
type Decomposition struct {
	// Original is the query as the user typed it.
	Original string

	// Intent is the classified intent that steered expansion.
	Intent Intent

	// SubQueries always contains the original query; the rest are
	// targeted paraphrases, deduplicated case-insensitively.
	SubQueries []string
}

// Decomposer turns one vague user query into several targeted search
// queries.
//
// # Description
//
// Short queries like "who am I" carry weak semantic signal on their
// own. The decomposer classifies the query's intent, then asks the LM
// for 5-7 short paraphrases aimed at how the answer was likely phrased
// when it was said ("my name is", "I work as"). Retrieval runs every
// sub-query and merges the hits.
//
// Both LM calls are optional in effect: classification failure falls
// back to the general intent, expansion failure falls back to the
// original query alone. Decompose never fails.
//
// # Thread Safety
//
// Decomposer is safe for concurrent use.
type Decomposer struct {
	generate GenerateFunc
	config   DecomposerConfig
}

// NewDecomposer creates a Decomposer using the given generate function.
// Invalid config fields are reset to their defaults. Panics if generate
// is nil.
func NewDecomposer(generate GenerateFunc, config DecomposerConfig) *Decomposer {
	if generate == nil {
		panic("memory: NewDecomposer requires a generate function")
	}
	if config.MinSubQueries <= 0 {
		slog.Warn("Invalid decomposer min sub-queries, using default", "got", config.MinSubQueries, "default", 5)
		config.MinSubQueries = 5
	}
	if config.MaxSubQueries <= 0 {
		slog.Warn("Invalid decomposer max sub-queries, using default", "got", config.MaxSubQueries, "default", 7)
		config.MaxSubQueries = 7
	}
	if config.MinSubQueries > config.MaxSubQueries {
		config.MinSubQueries = config.MaxSubQueries
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 200
	}
	if config.TimeoutMs <= 0 {
		config.TimeoutMs = 2000
	}
	return &Decomposer{generate: generate, config: config}
}

// Decompose expands the query into targeted sub-queries.
//
// # Description
//
// Classifies intent, generates paraphrases, deduplicates them
// case-insensitively with the original query always first, pads from
// the intent's seeds up to MinSubQueries, and caps at MaxSubQueries.
// On any LM or parse failure the result degrades to the original query
// alone; Decompose never returns an error.
//
// # Example
//
//	dec := decomposer.Decompose(ctx, "who am I?")
//	// dec.Intent == IntentIdentity
//	// dec.SubQueries == ["who am I?", "my name is", ...]
func (d *Decomposer) Decompose(ctx context.Context, query string) Decomposition {
	dec := Decomposition{
		Original:   query,
		Intent:     IntentGeneral,
		SubQueries: []string{query},
	}
	if strings.TrimSpace(query) == "" {
		dec.SubQueries = nil
		return dec
	}

	dec.Intent = d.classifyIntent(ctx, query)

	generated, err := d.expand(ctx, query, dec.Intent)
	if err != nil {
		slog.Warn("Query expansion failed, using original query only",
			"intent", dec.Intent, "error", err)
		return dec
	}

	dec.SubQueries = d.assemble(query, generated, dec.Intent)
	slog.Debug("Decomposed query",
		"intent", dec.Intent, "sub_queries", len(dec.SubQueries))
	return dec
}

// classifyIntent asks the LM for the query's intent. Failure or an
// unrecognizable answer defaults to general.
func (d *Decomposer) classifyIntent(ctx context.Context, query string) Intent {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(d.config.TimeoutMs)*time.Millisecond)
	defer cancel()

	response, err := d.generate(ctx, fmt.Sprintf(intentPrompt, query), intentMaxTokens)
	if err != nil {
		slog.Warn("Intent classification failed, defaulting to general", "error", err)
		return IntentGeneral
	}
	return normalizeIntent(response)
}

// normalizeIntent maps a free-form LM answer onto one of the five
// intents by scanning for the intent words in priority order.
func normalizeIntent(response string) Intent {
	lower := strings.ToLower(response)
	for _, intent := range intents {
		if strings.Contains(lower, string(intent)) {
			return intent
		}
	}
	return IntentGeneral
}

// expand runs the intent-parameterized expansion prompt and parses the
// JSON array it returns.
func (d *Decomposer) expand(ctx context.Context, query string, intent Intent) ([]string, error) {
	config := intentConfigs[intent]
	prompt := fmt.Sprintf(expansionTemplate, query, config.description, config.focus, config.exampleJSON())

	ctx, cancel := context.WithTimeout(ctx, time.Duration(d.config.TimeoutMs)*time.Millisecond)
	defer cancel()

	response, err := d.generate(ctx, prompt, d.config.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("expansion LM call failed: %w", err)
	}
	return parseSubQueries(response)
}

// parseSubQueries extracts the queries from the LM's JSON response.
// Models sometimes wrap the array in prose or emit objects instead of
// strings; both shapes are accepted.
func parseSubQueries(response string) ([]string, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(response[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON array: %w", err)
	}

	queries := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			queries = append(queries, s)
			continue
		}
		var obj map[string]string
		if err := json.Unmarshal(item, &obj); err != nil {
			continue
		}
		if q, ok := obj["query"]; ok {
			queries = append(queries, q)
			continue
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 0 {
			queries = append(queries, obj[keys[0]])
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("no usable queries in response")
	}
	return queries, nil
}

// assemble orders, deduplicates, pads, and caps the sub-query list. The
// original query is always first.
func (d *Decomposer) assemble(original string, generated []string, intent Intent) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, d.config.MaxSubQueries)

	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" || len(out) >= d.config.MaxSubQueries {
			return
		}
		key := strings.ToLower(q)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, q)
	}

	add(original)
	for _, q := range generated {
		add(q)
	}
	if len(out) < d.config.MinSubQueries {
		for _, q := range intentConfigs[intent].seeds {
			if len(out) >= d.config.MinSubQueries {
				break
			}
			add(q)
		}
	}
	return out
}
