package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Standard core memory block labels. The label vocabulary is extensible;
// these four always exist from the agent's point of view (GetCoreMemory
// fills in defaults for missing ones).
const (
	BlockPersona = "persona"
	BlockUser    = "user"
	BlockFacts   = "facts"
	BlockContext = "context"
)

// StandardBlockLabels lists the labels UpdateBlock accepts.
var StandardBlockLabels = []string{BlockPersona, BlockUser, BlockFacts, BlockContext}

// Block is a core memory block: a labeled text blob scoped by optional
// chat and user identifiers. For a given (label, chat_id, user_id) key
// exactly one logical block exists; writes replace, never mutate in place.
type Block struct {
	Label     string    `json:"label"`
	Content   string    `json:"content"`
	ChatID    string    `json:"chat_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Memory is an archival memory record: an embedded fact retrievable by
// semantic and lexical search.
type Memory struct {
	ID          string          `json:"id"`
	Content     string          `json:"content"`
	Embedding   []float32       `json:"embedding,omitempty"`
	UserID      string          `json:"user_id"`
	ChatID      string          `json:"chat_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata"`
	Importance  float64         `json:"importance"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	AccessedAt  *time.Time      `json:"accessed_at,omitempty"`
	AccessCount int             `json:"access_count"`
}

// SearchResult pairs a memory with its ranking score. Similarity is set by
// semantic search (cosine), Score by hybrid search (fused).
type SearchResult struct {
	Memory
	Similarity float64 `json:"similarity,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// MemoryUpdate carries the mutable fields of an archival memory.
// Nil fields are left untouched.
type MemoryUpdate struct {
	Content    *string
	Embedding  []float32
	Metadata   json.RawMessage
	Importance *float64
}

// Stats summarizes a user's archival memories.
type Stats struct {
	TotalMemories  int                    `json:"total_memories"`
	AvgImportance  float64                `json:"avg_importance"`
	MaxImportance  float64                `json:"max_importance"`
	MinImportance  float64                `json:"min_importance"`
	TotalAccesses  int                    `json:"total_accesses"`
	AvgAccessCount float64                `json:"avg_access_count"`
	Distribution   ImportanceDistribution `json:"importance_distribution"`
}

// ImportanceDistribution buckets importance scores: <0.5 low, 0.5-0.8
// medium, >=0.8 high.
type ImportanceDistribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Message is a single chat message within a conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentAction is a tool call made by the agent during a turn.
type AgentAction struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Output string         `json:"output,omitempty"`
}

// ConversationTurn is one complete exchange: the user message, the
// assistant response, and whatever the agent did in between.
type ConversationTurn struct {
	UserMessage      Message       `json:"user_message"`
	AssistantMessage Message       `json:"assistant_message"`
	AgentActions     []AgentAction `json:"agent_actions,omitempty"`
	AgentReasoning   []string      `json:"agent_reasoning,omitempty"`
}

// FormatForExtraction renders the turn as a single text blob for the
// fact-extraction prompt. Tool outputs are truncated to keep the prompt
// bounded.
func (t ConversationTurn) FormatForExtraction() string {
	var actions strings.Builder
	if len(t.AgentActions) == 0 {
		actions.WriteString("No tools used.")
	} else {
		for i, a := range t.AgentActions {
			if i > 0 {
				actions.WriteByte('\n')
			}
			out := a.Output
			if len(out) > 200 {
				cut := 200
				for cut > 0 && !utf8.RuneStart(out[cut]) {
					cut--
				}
				out = out[:cut]
			}
			fmt.Fprintf(&actions, "- Tool: %s(%v)\n  Result: %s...", a.Tool, a.Args, out)
		}
	}

	var reasoning strings.Builder
	wrote := false
	for _, r := range t.AgentReasoning {
		if strings.TrimSpace(r) == "" {
			continue
		}
		if wrote {
			reasoning.WriteByte('\n')
		}
		fmt.Fprintf(&reasoning, "- %s", r)
		wrote = true
	}
	if !wrote {
		reasoning.WriteString("No explicit reasoning steps.")
	}

	return fmt.Sprintf(`Conversation Turn to Analyze:

USER MESSAGE:
%s

AGENT REASONING:
%s

AGENT ACTIONS:
%s

ASSISTANT RESPONSE:
%s
`, t.UserMessage.Content, reasoning.String(), actions.String(), t.AssistantMessage.Content)
}

// ExtractedFact is one candidate fact returned by the extraction provider.
type ExtractedFact struct {
	Content    string   `json:"content"`
	Category   string   `json:"category,omitempty"`
	Importance float64  `json:"importance"`
	Tags       []string `json:"tags,omitempty"`
}

// ExtractionResult reports what ProcessConversationTurn did with a turn.
type ExtractionResult struct {
	ExtractedFacts  []string `json:"extracted_facts"`
	MemoriesCreated []string `json:"memories_created"`
	MemoriesUpdated []string `json:"memories_updated"`
}

func emptyExtractionResult() ExtractionResult {
	return ExtractionResult{
		ExtractedFacts:  []string{},
		MemoriesCreated: []string{},
		MemoriesUpdated: []string{},
	}
}
