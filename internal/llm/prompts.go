package llm

import (
	"fmt"
	"strings"
)

// Prompt versions are stored alongside every result they produce.
const (
	BlockPromptVersion    = "block-v1"
	MemoryPromptVersion   = "mem-v1"
	ContractPromptVersion = "contract-v1"
)

// BlockAnalysisPrompt generates the prompt for analyzing one diary block.
func BlockAnalysisPrompt(title, text string) string {
	if strings.TrimSpace(title) == "" {
		title = "(untitled)"
	}
	return fmt.Sprintf(`Analyze this diary block and return ONE JSON object with exactly these keys:

{
  "summary": "1-3 sentences in the writer's language",
  "signals": {"mood": 0-10|null, "stress": 0-10|null, "sleep": 0-10|null,
              "exercise": 0-10|null, "social": 0-10|null, "work": 0-10|null},
  "facts": ["concrete things that happened"],
  "todos": ["things the writer intends to do"],
  "topics": ["short topic phrases"],
  "tags": ["single-word labels"],
  "evidence_spans": ["short verbatim quotes supporting the above"],
  "reflection_depth": 0-3|null
}

Rules:
- Use null for any signal the text does not support. Never guess.
- Arrays may be empty. Do not invent facts.
- Keep quotes verbatim and under 120 characters.
- Return ONLY the JSON object.

DIARY BLOCK
TITLE: %s
---
%s
---`, title, text)
}

// MemoryOpsPrompt generates the prompt for proposing memory card operations.
// payload is the JSON document holding the entry summary and candidate cards.
func MemoryOpsPrompt(payload string, maxOps int) string {
	return fmt.Sprintf(`You maintain a small set of long-lived memory cards about the writer of a diary.
Given the new entry and the candidate cards below, propose at most %d operations.

INPUT:
%s

Rules:
- "update" and "merge" may only target a card_key listed in candidates.
- "create" needs a new card_key of the form category:slug (lowercase, hyphens).
- "update" carries "payload": top-level keys replace the card's keys.
- "merge" carries "payload": a merge patch; nested objects merge, null deletes a key.
- "create" carries "payload": the full card content.
- confidence is a number between 0 and 1.
- Propose nothing when the entry adds no durable knowledge.

Return ONLY:
{"ops": [{"op": "create|update|merge", "card_key": "category:slug", "type": "topic|person|habit|goal|general",
          "payload": {}, "confidence": 0.0, "note": "short reason"}]}`, maxOps, payload)
}

// ContractPrompt generates the prompt for analyzing a raw diary byte range
// into a v1 result contract.
func ContractPrompt(sourceID string, start, end, nowMillis int64, text string) string {
	return fmt.Sprintf(`Split this diary excerpt into life events and return a result contract.

SOURCE: %s
RANGE: [%d, %d)
NOW_MS: %d

Return ONLY:
{
  "contract_version": "v1",
  "blocks": [{
    "block_id": "le:<8 lowercase hex chars>",
    "event_ts": <unix milliseconds, not after NOW_MS>,
    "event_type": "short label",
    "summary": "at most 1024 characters",
    "tags": ["short tags"],
    "evidence_refs": ["text:<short verbatim quote>"],
    "confidence": 0.0,
    "memo_ops": [{"card_key": "category:slug", "op_type": "upsert|delete|merge|patch|noop",
                  "payload": {}, "evidence_refs": ["le:<block_id hex>"]}]
  }]
}

Rules:
- One block per distinct event. At least one block.
- Evidence refs use the prefixes entry, block, le, mc, op, url, text, note.
- Only reference le: ids you define in this response.

EXCERPT:
---
%s
---`, sourceID, start, end, nowMillis, text)
}

// JSONRepairPrompt asks the model to rewrite a malformed reply as one valid
// JSON object.
func JSONRepairPrompt(bad string) string {
	return fmt.Sprintf(`Rewrite the output below into ONE valid JSON object.
Keep the same keys and value types. Do not add keys. Return ONLY the JSON object.

BAD OUTPUT:
%s`, bad)
}
