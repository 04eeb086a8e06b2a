package domain

import (
	"fmt"
)

// Component is one fixed kind of sub-content an answer decomposes into.
// The set is closed: components are never added at runtime.
type Component string

// The component set, declared in canonical assembly order.
const (
	ComponentDirectAnswer    Component = "direct_answer"
	ComponentLegalFoundation Component = "legal_foundation"
	ComponentCitations       Component = "citations"
	ComponentNumericExamples Component = "numeric_examples"
	ComponentProcedureSteps  Component = "procedure_steps"
	ComponentEdgeCases       Component = "edge_cases"
	ComponentPracticalAdvice Component = "practical_advice"
)

// ComponentSpec describes a component for judge prompts and section headers.
type ComponentSpec struct {
	Component   Component
	Title       string
	Description string
	Example     string
}

var componentSpecs = []ComponentSpec{
	{
		Component:   ComponentDirectAnswer,
		Title:       "Direct Answer",
		Description: "The concise answer to the question, stated in one or two sentences before any elaboration.",
		Example:     "An employee with 12 months of continuous service is entitled to 12 working days of annual leave.",
	},
	{
		Component:   ComponentLegalFoundation,
		Title:       "Legal Foundation",
		Description: "The statutes, regulations or articles the answer relies on, with what each provision establishes.",
		Example:     "Article 79(3) of Law No. 13/2003 grants annual leave after twelve months of continuous work.",
	},
	{
		Component:   ComponentCitations,
		Title:       "Citations",
		Description: "Every explicit reference to an article, section, regulation or law number used in the answer.",
		Example:     "Article 79; Law No. 13/2003; Regulation 35/2021",
	},
	{
		Component:   ComponentNumericExamples,
		Title:       "Numeric Examples",
		Description: "Worked calculations with concrete numbers that show how the rule is applied.",
		Example:     "Joining on 1 March and resigning on 30 September gives 7/12 x 12 days = 7 days of pro-rated leave.",
	},
	{
		Component:   ComponentProcedureSteps,
		Title:       "Procedure",
		Description: "The ordered steps a reader follows to act on the answer.",
		Example:     "1. Check the start date. 2. Count completed months. 3. Apply the pro-rata formula.",
	},
	{
		Component:   ComponentEdgeCases,
		Title:       "Edge Cases",
		Description: "Exceptions, special situations and conditions under which the general rule changes.",
		Example:     "Unpaid leave periods do not count toward the twelve months of continuous service.",
	},
	{
		Component:   ComponentPracticalAdvice,
		Title:       "Practical Advice",
		Description: "Actionable recommendations for the reader beyond the strict legal answer.",
		Example:     "Keep a written record of every leave request and the employer's reply.",
	},
}

// AllComponents returns the component set in canonical order.
func AllComponents() []Component {
	out := make([]Component, len(componentSpecs))
	for i, spec := range componentSpecs {
		out[i] = spec.Component
	}
	return out
}

// ComponentSpecs returns the descriptive specs in canonical order.
func ComponentSpecs() []ComponentSpec {
	out := make([]ComponentSpec, len(componentSpecs))
	copy(out, componentSpecs)
	return out
}

// Spec returns the descriptive spec for c.
// An unknown component yields a spec whose title is the raw name.
func (c Component) Spec() ComponentSpec {
	for _, spec := range componentSpecs {
		if spec.Component == c {
			return spec
		}
	}
	return ComponentSpec{Component: c, Title: string(c)}
}

// Title returns the section header used when rendering c.
func (c Component) Title() string { return c.Spec().Title }

// Index returns the canonical position of c, or -1 when c is not in the set.
func (c Component) Index() int {
	for i, spec := range componentSpecs {
		if spec.Component == c {
			return i
		}
	}
	return -1
}

// Valid reports whether c belongs to the closed component set.
func (c Component) Valid() bool { return c.Index() >= 0 }

// ParseComponent converts a name into a Component.
func ParseComponent(name string) (Component, error) {
	c := Component(name)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown component %q", ErrInvalidConfiguration, name)
	}
	return c, nil
}
