package flow

import (
	"regexp"
	"sort"
	"strings"
)

// Detector spots requests to switch to a different workflow type. Two
// regex tables are consulted per turn: one over the assistant response
// (the dialog model announcing a switch) and one over the raw user input
// (imperatives like "now do a social post"). Matches against the current
// workflow's own type are suppressed.
type Detector struct {
	patterns []transitionPattern
}

type transitionPattern struct {
	target     string
	responseRe *regexp.Regexp
	inputRe    *regexp.Regexp
}

// defaultAliases maps asset types to the phrases users actually say.
// The hyphen-to-space form of the type itself is always included.
var defaultAliases = map[string][]string{
	"social-post": {"social media post"},
	"faq":         {"f\\.a\\.q\\.?", "frequently asked questions"},
}

// NewDetector builds a detector over the given asset types, typically
// Registry.Types().
func NewDetector(assetTypes []string) *Detector {
	d := &Detector{}
	types := append([]string(nil), assetTypes...)
	sort.Strings(types)
	for _, t := range types {
		aliases := []string{regexp.QuoteMeta(strings.ReplaceAll(t, "-", " "))}
		aliases = append(aliases, defaultAliases[t]...)
		alt := "(?:" + strings.Join(aliases, "|") + ")"

		d.patterns = append(d.patterns, transitionPattern{
			target: t,
			responseRe: regexp.MustCompile(
				`(?i)\b(?:start|begin|kick off|spin up|set up|switch(?:ing)?(?: over)? to|moving on to)\s+(?:a|an|the|your)?\s*(?:new\s+)?` + alt + `\b`),
			inputRe: regexp.MustCompile(
				`(?i)\b(?:do|create|write|draft|make|generate|start|build|put together)\s+(?:me\s+)?(?:a|an|the)?\s*` + alt + `\b`),
		})
	}
	return d
}

// Detect returns the asset type to transition to, if any. The assistant
// response is checked before the user input; self-transitions never fire.
func (d *Detector) Detect(response, userInput, currentType string) (string, bool) {
	for _, p := range d.patterns {
		if p.target != currentType && p.responseRe.MatchString(response) {
			return p.target, true
		}
	}
	for _, p := range d.patterns {
		if p.target != currentType && p.inputRe.MatchString(userInput) {
			return p.target, true
		}
	}
	return "", false
}

// Carryover is the state a finished workflow hands to its successor:
// collected profile facts and the newest artifact, for reuse as source
// material.
type Carryover struct {
	Profile  map[string]string
	Artifact string
}

// Empty reports whether there is nothing to carry over.
func (c Carryover) Empty() bool {
	return len(c.Profile) == 0 && c.Artifact == ""
}

// ExtractCarryover pulls transferable state out of a workflow that is
// being transitioned away from.
func ExtractCarryover(w *Workflow) Carryover {
	c := Carryover{Artifact: latestArtifact(w)}

	var first *Step
	for _, s := range w.Steps {
		if s.Payload.Dialog == nil || s.Payload.Dialog.AssetReview {
			continue
		}
		if first == nil || s.Order < first.Order {
			first = s
		}
	}
	if first != nil && len(first.Payload.Dialog.Collected) > 0 {
		c.Profile = make(map[string]string, len(first.Payload.Dialog.Collected))
		for k, v := range first.Payload.Dialog.Collected {
			c.Profile[k] = v
		}
	}
	return c
}

// SeedCarryover merges carried-over state into the new workflow's first
// dialog step so the user is not asked for facts they already gave.
// Existing values win over carried ones. Returns the seeded step, or nil
// when the workflow has no plain dialog step.
func SeedCarryover(w *Workflow, c Carryover) *Step {
	if c.Empty() {
		return nil
	}

	var first *Step
	for _, s := range w.Steps {
		if s.Payload.Dialog == nil || s.Payload.Dialog.AssetReview {
			continue
		}
		if first == nil || s.Order < first.Order {
			first = s
		}
	}
	if first == nil {
		return nil
	}

	dlg := first.Payload.Dialog
	if dlg.Collected == nil {
		dlg.Collected = make(map[string]string)
	}
	for k, v := range c.Profile {
		if _, exists := dlg.Collected[k]; !exists {
			dlg.Collected[k] = v
		}
	}
	if c.Artifact != "" {
		if _, exists := dlg.Collected["source_material"]; !exists {
			dlg.Collected["source_material"] = c.Artifact
		}
	}
	return first
}
