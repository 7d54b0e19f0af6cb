package extractor

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const extractPromptTemplate = `You are analyzing survey responses to identify high-level themes.

Question: %s

Responses:
%s

Extract 3-5 high-level themes that capture the main patterns in these responses. Each theme should:
1. Represent a distinct concept or concern
2. Be broad enough to encompass multiple responses
3. Be specific enough to be actionable

For each theme provide:
1. A concise name (3-5 words)
2. A detailed description (1-2 sentences explaining what this theme represents)

Output as JSON array:
[
  {"name": "Theme Name", "description": "Theme description"},
  {"name": "Another Theme", "description": "Another description"}
]

Focus on identifying the core patterns, not just summarizing individual responses. Look for underlying concerns, motivations, or challenges that multiple people are expressing.`

const refreshPromptTemplate = `You are updating a theme description based on new survey responses.

Existing Theme:
Name: %s
Current Description: %s

New Responses:
%s

Update the theme description to better reflect both the original theme and these new responses. The description should:
1. Maintain the core concept of the original theme
2. Incorporate insights from the new responses
3. Be more comprehensive and accurate
4. Remain concise (1-2 sentences)

Provide only the updated description, no other text.`

const clusterPromptTemplate = `You are naming a group of survey responses that express one shared theme.

Question: %s

Responses:
%s

Provide a theme for this group:
1. A concise name (3-5 words)
2. A detailed description (1-2 sentences explaining what this theme represents)

Output as a single JSON object:
{"name": "Theme Name", "description": "Theme description"}`

const strictArraySuffix = `

Return ONLY the JSON array. No explanation, no markdown fences, no text before or after it.`

const strictObjectSuffix = `

Return ONLY the JSON object. No explanation, no markdown fences, no text before or after it.`

func buildExtractPrompt(question, formattedResponses string) string {
	return fmt.Sprintf(extractPromptTemplate, question, formattedResponses)
}

func buildRefreshPrompt(name, description, formattedResponses string) string {
	return fmt.Sprintf(refreshPromptTemplate, name, description, formattedResponses)
}

func buildClusterPrompt(question, formattedResponses string) string {
	return fmt.Sprintf(clusterPromptTemplate, question, formattedResponses)
}

func formatResponses(texts []string) string {
	lines := make([]string, len(texts))
	for i, t := range texts {
		lines[i] = fmt.Sprintf("Response %d: %s", i+1, t)
	}
	return strings.Join(lines, "\n")
}

// packResponses renders the numbered response block within the character
// budget. Oversized batches are stride-sampled, keeping input order, so any
// batch produces a prompt that fits. Sampling is deterministic: the same
// input always yields the same prompt.
func packResponses(texts []string, limit int) string {
	out := formatResponses(texts)
	if limit <= 0 || len(out) <= limit {
		return out
	}

	avg := len(out)/len(texts) + 1
	fit := limit / avg
	if fit < 1 {
		fit = 1
	}
	for stride := (len(texts) + fit - 1) / fit; ; stride++ {
		var sampled []string
		for i := 0; i < len(texts); i += stride {
			sampled = append(sampled, texts[i])
		}
		out = formatResponses(sampled)
		if len(out) <= limit {
			return out
		}
		if len(sampled) == 1 {
			return truncateRunes(out, limit)
		}
	}
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
