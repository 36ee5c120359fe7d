package flow

import (
	"encoding/json"
	"fmt"
)

// Payload is a tagged variant holding the typed per-step data. Exactly one
// of the pointer fields is set, matching the step's execution strategy.
// Reading code switches on Kind() instead of inspecting an opaque blob.
type Payload struct {
	Dialog     *DialogPayload     `json:"dialog,omitempty"`
	Generation *GenerationPayload `json:"generation,omitempty"`
	Title      *TitlePayload      `json:"title,omitempty"`
}

// Payload kind tags used in the JSON envelope.
const (
	KindDialog     = "dialog"
	KindGeneration = "generation"
	KindTitle      = "title"
)

// DialogPayload carries the state of an information-collecting or review
// conversation step.
type DialogPayload struct {
	// Question is the pending follow-up question, if any.
	Question string `json:"question,omitempty"`

	// Collected is the structured information extracted so far.
	Collected map[string]string `json:"collected,omitempty"`

	// AssetReview marks this dialog as the review loop over a generated
	// artifact. Review feedback is classified into approve / revise /
	// unclear verdicts by the Dispatcher.
	AssetReview bool `json:"asset_review,omitempty"`

	// Artifact is the text under review (asset-review steps only).
	Artifact string `json:"artifact,omitempty"`

	// Feedback is the most recent revision request (asset-review steps only).
	Feedback string `json:"feedback,omitempty"`
}

// GenerationPayload carries the produced artifact of a generation step.
type GenerationPayload struct {
	// Artifact is the generated text, persisted once the call succeeds.
	Artifact string `json:"artifact,omitempty"`

	// Revision counts regenerations driven by review feedback.
	Revision int `json:"revision,omitempty"`

	// Hints are extra instruction fragments appended to the prompt.
	Hints []string `json:"hints,omitempty"`
}

// TitlePayload carries the short label produced by a title step.
type TitlePayload struct {
	Title string `json:"title,omitempty"`
}

// NewDialogPayload returns a DIALOG payload with an initialized collection map.
func NewDialogPayload() Payload {
	return Payload{Dialog: &DialogPayload{Collected: map[string]string{}}}
}

// NewGenerationPayload returns an empty GENERATION payload.
func NewGenerationPayload() Payload {
	return Payload{Generation: &GenerationPayload{}}
}

// NewTitlePayload returns an empty TITLE payload.
func NewTitlePayload() Payload {
	return Payload{Title: &TitlePayload{}}
}

// Kind returns the payload's tag, or "" for an empty payload.
func (p Payload) Kind() string {
	switch {
	case p.Dialog != nil:
		return KindDialog
	case p.Generation != nil:
		return KindGeneration
	case p.Title != nil:
		return KindTitle
	}
	return ""
}

// Validate checks that at most one variant is populated.
func (p Payload) Validate() error {
	n := 0
	if p.Dialog != nil {
		n++
	}
	if p.Generation != nil {
		n++
	}
	if p.Title != nil {
		n++
	}
	if n > 1 {
		return fmt.Errorf("payload holds %d variants, want at most 1", n)
	}
	return nil
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	var cp Payload
	if p.Dialog != nil {
		d := *p.Dialog
		if p.Dialog.Collected != nil {
			d.Collected = make(map[string]string, len(p.Dialog.Collected))
			for k, v := range p.Dialog.Collected {
				d.Collected[k] = v
			}
		}
		cp.Dialog = &d
	}
	if p.Generation != nil {
		g := *p.Generation
		if p.Generation.Hints != nil {
			g.Hints = append([]string(nil), p.Generation.Hints...)
		}
		cp.Generation = &g
	}
	if p.Title != nil {
		t := *p.Title
		cp.Title = &t
	}
	return cp
}

// payloadEnvelope is the wire form: an explicit kind tag plus the variant.
type payloadEnvelope struct {
	Kind       string             `json:"kind,omitempty"`
	Dialog     *DialogPayload     `json:"dialog,omitempty"`
	Generation *GenerationPayload `json:"generation,omitempty"`
	Title      *TitlePayload      `json:"title,omitempty"`
}

// MarshalJSON writes the payload with its kind tag.
func (p Payload) MarshalJSON() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	env := payloadEnvelope{
		Kind:       p.Kind(),
		Dialog:     p.Dialog,
		Generation: p.Generation,
		Title:      p.Title,
	}
	return json.Marshal(env)
}

// UnmarshalJSON reads the envelope and checks the tag matches the variant.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	out := Payload{Dialog: env.Dialog, Generation: env.Generation, Title: env.Title}
	if err := out.Validate(); err != nil {
		return err
	}
	if env.Kind != "" && env.Kind != out.Kind() {
		return fmt.Errorf("payload kind %q does not match variant %q", env.Kind, out.Kind())
	}
	*p = out
	return nil
}
