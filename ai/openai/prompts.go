package openai

import (
	"fmt"
	"strings"

	"github.com/poiesic/codex/ai"
)

const extractionResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"},
          "description": {"type": "string"}
        },
        "required": ["name", "type", "description"],
        "additionalProperties": false
      }
    },
    "relations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "source": {"type": "string"},
          "target": {"type": "string"},
          "type": {"type": "string"},
          "description": {"type": "string"},
          "weight": {"type": "number", "minimum": 0, "maximum": 1}
        },
        "required": ["source", "target", "type"],
        "additionalProperties": false
      }
    }
  },
  "required": ["entities", "relations"],
  "additionalProperties": false
}`

const extractionPromptTemplate = `Extract the knowledge units defined in the given text and the relations between them, and return them as JSON.

Output ONLY valid JSON which complies with the schema given below. Do not include any preamble, explanation,
greeting, or acknowledgment. Start your response directly with the opening brace { and end with the closing
brace }. Your output must exactly follow this schema:

%s

Rules:
- An entity is a rule, clause, exception, definition, procedure or other unit a reader could cite on its own.
- Entity names are short titles in the text's own words, e.g. "Attendance Rule". Reuse the exact same name every time an entity is mentioned.
- Entity type must be one of: %s.
- The description summarizes what the text says about the entity in one or two sentences.
- Relation type must be exactly one of: %s.
  - A OVERRIDES B: A is an exception or special case that takes precedence over B.
  - A REQUIRES B: A cannot be applied without B.
  - A CONTRADICTS B: A and B cannot both hold.
  - A EXTENDS B: A adds detail to B.
- Relation source and target must be names of entities you listed.
- Weight is your confidence in the relation, from 0 to 1.
- Include only what is stated or clearly implied by the text. Do not hallucinate.
- If nothing can be extracted, return {"entities": [], "relations": []}.
- The JSON must parse without errors; no trailing commas, no extra keys, and no extraneous text outside the object.

Example:
Input: "Students must attend at least 90%% of classes. A documented medical absence is excused and does not count against attendance."
Output:
{
  "entities": [
    {"name":"Attendance Rule","type":"rule","description":"Students must attend at least 90%% of classes."},
    {"name":"Medical Exception","type":"exception","description":"Documented medical absences are excused."}
  ],
  "relations": [
    {"source":"Medical Exception","target":"Attendance Rule","type":"OVERRIDES","description":"Medical absences do not count against attendance.","weight":0.95}
  ]
}`

// buildSystemPrompt creates the system prompt with node and relation types embedded.
func buildSystemPrompt() string {
	return fmt.Sprintf(extractionPromptTemplate,
		extractionResponseSchema,
		strings.Join(ai.NodeTypes, ", "),
		strings.Join(ai.RelationTypes, ", "))
}
