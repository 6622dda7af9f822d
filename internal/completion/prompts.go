package completion

import (
	"bytes"
	"fmt"
	"text/template"
)

const systemPrompt = `You are a neutral mediator in a two-person empathy exercise.
You never quote one person's raw words to the other. You keep the substance
of what a person wants conveyed and soften confrontational language.
Respond with a single JSON object and nothing else.`

var promptTemplates = map[Task]string{
	TaskAlignmentAnalysis: `Compare an empathy guess against what the other person actually said.

Guess:
{{index . "guess"}}

What they actually said:
{{index . "ground_truth"}}
{{with index . "shared_context"}}
Context they already chose to share:
{{.}}
{{end}}
Return JSON with fields:
  "score" (integer 0-100),
  "gap_severity" ("none", "moderate" or "significant"),
  "missed_feelings" (array of strings),
  "most_important_gap" (string),
  "recommendation": {"action": "PROCEED" | "OFFER_OPTIONAL" | "OFFER_SHARING",
                     "rationale": string, "suggested_share_focus": string}`,

	TaskShareDraft: `The person below agreed to share more about this topic with their partner:
{{index . "topic"}}

What they originally said:
{{index . "ground_truth"}}
{{with index . "intent"}}
What they want to get across:
{{.}}
{{end}}
Write a short, warm message in their voice that the partner will read.
Return JSON: {"draft": string}`,

	TaskFeedbackRewrite: `A person judged their partner's empathy statement as {{index . "verdict"}}.

The statement:
{{index . "attempt"}}

What they want their partner to understand:
{{index . "intent"}}

Write gentle, specific feedback the partner will read.
Return JSON: {"feedback": string}`,

	TaskRefinementHelp: `Help a person revise their empathy statement about their partner.

Their current statement:
{{index . "attempt"}}
{{with index . "shared_context"}}
Context the partner shared:
{{.}}
{{end}}
Their question:
{{index . "message"}}

Reply conversationally. Do not write the statement for them.
Return JSON: {"reply": string}`,
}

var parsedPrompts = func() map[Task]*template.Template {
	out := make(map[Task]*template.Template, len(promptTemplates))
	for task, text := range promptTemplates {
		out[task] = template.Must(template.New(string(task)).Option("missingkey=zero").Parse(text))
	}
	return out
}()

// renderPrompt builds the user prompt for a request.
func renderPrompt(req Request) (string, error) {
	tmpl, ok := parsedPrompts[req.Task]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, req.Task)
	}
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]string{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, inputs); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", req.Task, err)
	}
	return buf.String(), nil
}
