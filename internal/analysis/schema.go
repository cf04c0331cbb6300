package analysis

// JSON schemas sent to the reasoning model alongside each prompt. The
// field descriptions are the contract; decoding into the Go types is the
// only validation done on this side.

// ConversationAnalysisSchema constrains per-conversation analysis output.
var ConversationAnalysisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"sentiment": map[string]any{
			"type":        "string",
			"description": "The sentiment of the conversation in a single word, such as friendly, cautious, professional.",
		},
		"positivity_score": map[string]any{
			"type":        "number",
			"description": "The positivity score of the conversation from -100 to 100.",
			"minimum":     -100,
			"maximum":     100,
		},
		"recommendations": map[string]any{
			"type":        "array",
			"description": "Recommended next steps for the conversation, such as 'Follow up', 'Propose plan', 'Check in', 'Respond to recent message'.",
			"items":       recommendationSchema,
		},
		"notes": map[string]any{
			"type":        "string",
			"description": "Notes on how the conversation impacts the mental health of the user.",
		},
		"relationship_type": map[string]any{
			"type":        "string",
			"description": "The relationship type between the two people, roughly 1-2 words.",
		},
	},
	"required": []string{"sentiment", "positivity_score", "recommendations", "notes", "relationship_type"},
}

var recommendationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title": map[string]any{
			"type":        "string",
			"description": "The title of the recommendation.",
		},
		"description": map[string]any{
			"type":        "string",
			"description": "The description of the recommendation, roughly 1-2 sentences.",
		},
		"next_message": map[string]any{
			"type":        "string",
			"description": "An optional next message to send to the contact.",
		},
		"next_action": map[string]any{
			"type":        "string",
			"description": "An optional concrete next action for the user to take.",
		},
	},
	"required": []string{"title", "description"},
}

var titleAndDescriptionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":       map[string]any{"type": "string"},
		"description": map[string]any{"type": "string"},
	},
	"required": []string{"title", "description"},
}

// GeneralWellnessSchema constrains the daily cross-conversation summary.
var GeneralWellnessSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"wellness_score": map[string]any{
			"type":        "integer",
			"description": "Overall communication wellness score from 0 to 100.",
			"minimum":     0,
			"maximum":     100,
		},
		"compliments": map[string]any{
			"type":        "array",
			"description": "Positive observations about the user's communication patterns.",
			"items":       titleAndDescriptionSchema,
		},
		"recommendations": map[string]any{
			"type":        "array",
			"description": "Constructive suggestions to improve communication wellness.",
			"items":       recommendationSchema,
		},
		"notes": map[string]any{
			"type":        "array",
			"description": "Neutral observations worth surfacing to the user.",
			"items":       titleAndDescriptionSchema,
		},
		"warning_flags": map[string]any{
			"type":        "array",
			"description": "Reserved for acute safety concerns only; leave empty in the common case.",
			"items":       titleAndDescriptionSchema,
		},
	},
	"required": []string{"wellness_score", "compliments", "recommendations", "notes", "warning_flags"},
}
