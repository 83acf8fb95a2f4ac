package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// decodeMetadata tolerantly unpacks a memory's metadata blob; malformed
// metadata renders as if empty.
func decodeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// FormatCoreMemorySection renders core memory blocks for injection into an
// agent system prompt.
func FormatCoreMemorySection(blocks map[string]string) string {
	var body strings.Builder
	if len(blocks) == 0 {
		body.WriteString("\nNo core memory blocks configured.\n")
	} else {
		labels := make([]string, 0, len(blocks))
		for label := range blocks {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			content := blocks[label]
			if content == "" {
				content = "Not set"
			}
			fmt.Fprintf(&body, "\n**%s**:\n%s\n", capitalize(label), content)
		}
	}

	return fmt.Sprintf(`## Memory System

You have access to a two-tier memory system:

### Core Memory (Always Visible)
This is your active working memory. You can edit these blocks using the `+"`memory_block_update`"+` tool.
%s
### Archival Memory (Search When Needed)
You have unlimited long-term memory storage that is automatically managed. Use `+"`memory_search`"+` to find relevant past information when needed.

**Memory Guidelines:**
- Update your core memory blocks when you learn important new information
- Search your archival memory before asking the user for information they may have already provided
- Core memory blocks are structured sections you can update; archival memory is automatically stored as you interact
- Use core memory for information you need to reference frequently; use archival memory for detailed historical context
`, body.String())
}

// FormatRetrievedMemories renders search results for context injection.
// Memories with importance above 0.7 are tagged as important.
func FormatRetrievedMemories(memories []SearchResult) string {
	if len(memories) == 0 {
		return ""
	}

	entries := make([]string, 0, len(memories))
	for i, m := range memories {
		var entry strings.Builder

		fmt.Fprintf(&entry, "%d.", i+1)
		if m.Importance > 0.7 {
			entry.WriteString(" **[Important]**")
		}

		meta := decodeMetadata(m.Metadata)
		if cat, ok := meta["category"].(string); ok && cat != "" {
			fmt.Fprintf(&entry, " [%s]", capitalize(cat))
		}

		fmt.Fprintf(&entry, "\n   %s", m.Content)

		if tags, ok := meta["tags"].([]any); ok && len(tags) > 0 {
			strs := make([]string, 0, len(tags))
			for _, t := range tags {
				if s, ok := t.(string); ok {
					strs = append(strs, s)
				}
			}
			if len(strs) > 0 {
				fmt.Fprintf(&entry, "\n   Tags: %s", strings.Join(strs, ", "))
			}
		}

		if !m.UpdatedAt.IsZero() {
			fmt.Fprintf(&entry, "\n   (Updated: %s)", m.UpdatedAt.UTC().Format("2006-01-02 15:04"))
		}

		entries = append(entries, entry.String())
	}

	return fmt.Sprintf(`
<memory>
Based on the user's query, here are relevant memories from past conversations:

%s

Use these memories to provide context-aware responses. If the user hasn't explicitly asked about these topics, use them subtly to personalize your response without overwhelming them.
</memory>
`, strings.Join(entries, "\n\n"))
}

const factExtractionSystemPrompt = `You are a memory extraction system that captures rich, contextual information from conversations.

Your goal is to extract memorable information that will be useful for future interactions. Focus on quality over quantity - only extract information that provides lasting value.

## What to Extract

1. **Personal Information**: Name, location, profession, relationships, living situation
2. **Preferences**: Likes, dislikes, favorites, style preferences, workflow preferences
3. **Goals & Projects**: Current projects, future plans, aspirations, deadlines
4. **Technical Context**: Tools used, tech stack, skills, expertise areas
5. **Important Context**: Key decisions made, problems solved, patterns observed

## Output Format

For each extracted fact, provide:
- **content**: A rich, standalone summary (2-4 sentences) that captures what was shared, the situation when it came up, and any relevant nuances
- **category**: One of [personal, preference, goal, context, technical, interaction]
- **importance**: Float 0.0-1.0
  * 0.8-1.0: Critical (identity, major decisions, recurring themes)
  * 0.5-0.8: Important (preferences, active projects, useful context)
  * 0.0-0.5: Minor (passing mentions, temporary context)
- **tags**: Relevant keywords for search (aim for 3-5 tags)

## Guidelines

- **Be Specific**: "User prefers dark mode to reduce eye strain during long coding sessions" is better than "User prefers dark mode"
- **Include Why**: Capture the reasoning behind preferences or decisions when available
- **Capture Patterns**: If something comes up repeatedly, note that pattern
- **Skip Ephemeral Content**: Don't extract greetings, questions without context, or one-time debugging sessions
- **Focus on Actionable**: Prefer facts that could influence future interactions

Return your response as valid JSON with a "facts" array.`

func factExtractionUserPrompt(turnText string) string {
	return fmt.Sprintf(`Analyze this conversation turn and extract any memorable facts:

---
%s
---

Remember:
- Extract facts that provide lasting value for future interactions
- Include rich context, not just bare facts
- Capture the "why" behind preferences and decisions
- Skip ephemeral content (pure questions, greetings, one-time debugging)
- If the assistant used tools or took actions, note what was done and the outcome

Return your response as valid JSON with a "facts" array.`, turnText)
}

// factsSummarizationPrompt renders the prompt that condenses accumulated
// high-importance facts into the core facts block.
func factsSummarizationPrompt(facts []Memory) string {
	var list strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&list, "- [importance %.2f] %s\n", f.Importance, f.Content)
	}

	return fmt.Sprintf(`You are an expert memory organizer.

Your task is to synthesize a list of important isolated facts into a concise, coherent "Facts" summary for the AI's core memory.
This summary will be always visible to the AI, so it must be highly dense and relevant.

## Input Facts
%s
## Instructions
1. Group related facts (e.g., Personal, Technical, Preferences).
2. Remove duplicates and merge related information.
3. Prioritize high-importance facts.
4. Write in a clear, objective style.
5. Limit the output to roughly 500 words maximum.
6. Use bullet points for readability.

## Output Format
Create a structured summary with these sections (omit if empty):
- **User Profile**: Key personal details and goals.
- **Preferences**: Important likes/dislikes/workflow preferences.
- **Technical Context**: Tech stack, tools, and skills.
- **Key Constraints**: Deadlines, budget, or other hard constraints.

Respond ONLY with the summary text.
`, list.String())
}

// stampFreshness prefixes a facts summary with its generation time so the
// agent can judge staleness.
func stampFreshness(summary string, now time.Time) string {
	return fmt.Sprintf("Last consolidated: %s\n\n%s", now.UTC().Format("2006-01-02 15:04 UTC"), summary)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
