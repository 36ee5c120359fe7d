package flow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/draftflow/flowkit/flow/model"
	"github.com/draftflow/flowkit/flow/rag"
)

// dialogContract instructs the model to answer dialog turns with the
// structured shape the dispatcher parses. Output that fails to parse is
// treated as an unclear turn, never as an error.
const dialogContract = `Respond with a single JSON object and nothing else.
While information is still missing: {"is_complete": false, "question": "<your follow-up question>"}.
Once you have everything: {"is_complete": true, "collected": {"<field>": "<value>", ...}}.
If the user asked to create a specific asset type, include "target_workflow": "<asset type>".`

// renderContext serializes the filtered context into prompt text. Only a
// rag.Context may be rendered into a prompt; raw snippets never take this
// path.
func renderContext(fc *rag.Context) string {
	if fc == nil {
		return ""
	}
	var sb strings.Builder

	if p := fc.Profile; p.Organization != "" || p.Role != "" || p.Tone != "" {
		sb.WriteString("User profile:\n")
		if p.Organization != "" {
			fmt.Fprintf(&sb, "- organization: %s\n", p.Organization)
		}
		if p.Role != "" {
			fmt.Fprintf(&sb, "- role: %s\n", p.Role)
		}
		if p.Tone != "" {
			fmt.Fprintf(&sb, "- preferred tone: %s\n", p.Tone)
		}
	}

	if len(fc.Snippets) > 0 {
		sb.WriteString("Background knowledge:\n")
		for _, sn := range fc.Snippets {
			fmt.Fprintf(&sb, "- %s (source: %s)\n", sn.Content, sn.Source)
		}
	}

	if len(fc.History) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, line := range fc.History {
			fmt.Fprintf(&sb, "%s\n", line)
		}
	}

	return sb.String()
}

// renderCollected serializes the information gathered by the workflow's
// dialog steps, lowest order first, keys sorted for determinism.
func renderCollected(w *Workflow) string {
	merged := mergedCollected(w)
	if len(merged) == 0 {
		return ""
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("Collected information:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %s\n", k, merged[k])
	}
	return sb.String()
}

// mergedCollected merges the Collected maps of all dialog steps in order,
// later steps winning key conflicts.
func mergedCollected(w *Workflow) map[string]string {
	steps := append([]*Step(nil), w.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	merged := make(map[string]string)
	for _, s := range steps {
		if s.Payload.Dialog == nil {
			continue
		}
		for k, v := range s.Payload.Dialog.Collected {
			merged[k] = v
		}
	}
	return merged
}

// systemParts joins non-empty prompt sections with blank lines.
func systemParts(parts ...string) string {
	keep := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			keep = append(keep, strings.TrimSpace(p))
		}
	}
	return strings.Join(keep, "\n\n")
}

// dialogMessages builds the conversation for a DIALOG step execution.
func dialogMessages(w *Workflow, step *Step, fc *rag.Context) []model.Message {
	system := systemParts(
		step.Prompt,
		renderContext(fc),
		renderCollected(w),
		dialogContract,
	)
	msgs := []model.Message{{Role: model.RoleSystem, Content: system}}
	input := ""
	if fc != nil {
		input = fc.Input
	}
	if strings.TrimSpace(input) == "" {
		input = "Begin."
	}
	msgs = append(msgs, model.Message{Role: model.RoleUser, Content: input})
	return msgs
}

// generationMessages builds the single-shot prompt for a GENERATION step.
func generationMessages(w *Workflow, step *Step, fc *rag.Context) []model.Message {
	var extra string
	if g := step.Payload.Generation; g != nil && len(g.Hints) > 0 {
		extra = "Additional instructions:\n- " + strings.Join(g.Hints, "\n- ")
	}
	system := systemParts(
		step.Prompt,
		renderContext(fc),
		renderCollected(w),
		extra,
	)
	return []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: "Produce the content now. Respond with the finished text only."},
	}
}

// revisionMessages builds the regeneration prompt for review feedback.
// prompt is the originating generation step's prompt when one exists, else
// the review step's own.
func revisionMessages(w *Workflow, prompt string, fc *rag.Context, artifact, feedback string) []model.Message {
	system := systemParts(
		prompt,
		renderContext(fc),
		renderCollected(w),
	)
	user := fmt.Sprintf(
		"Here is the current draft:\n\n%s\n\nRevise it according to this feedback: %s\n\nRespond with the full revised text only.",
		artifact, feedback,
	)
	return []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user},
	}
}

// titleMessages builds the prompt for a TITLE step.
func titleMessages(w *Workflow, step *Step, fc *rag.Context) []model.Message {
	artifact := latestArtifact(w)
	system := systemParts(
		step.Prompt,
		"Respond with the title text only: no quotes, no prefix, at most twelve words.",
	)
	user := "Derive a short title."
	if artifact != "" {
		user = "Derive a short title for this content:\n\n" + artifact
	}
	return []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user},
	}
}

// latestArtifact returns the newest generated artifact in the workflow,
// preferring higher-order generation steps.
func latestArtifact(w *Workflow) string {
	artifact := ""
	bestOrder := -1
	for _, s := range w.Steps {
		if g := s.Payload.Generation; g != nil && g.Artifact != "" && s.Order > bestOrder {
			artifact = g.Artifact
			bestOrder = s.Order
		}
	}
	if artifact != "" {
		return artifact
	}
	for _, s := range w.Steps {
		if d := s.Payload.Dialog; d != nil && d.Artifact != "" && s.Order > bestOrder {
			artifact = d.Artifact
			bestOrder = s.Order
		}
	}
	return artifact
}
