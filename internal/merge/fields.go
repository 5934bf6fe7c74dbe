package merge

import (
	"fmt"
	"slices"
	"strings"

	"dedupe/internal/catalog"
	"dedupe/internal/dedupeerr"
)

// Descriptive fields the primary can take from the secondary.
const (
	FieldTitle      = "title"
	FieldIdentifier = "identifier"
	FieldLevel      = "level"
)

var descriptiveFields = []string{FieldTitle, FieldIdentifier, FieldLevel}

// DescriptiveFields returns the field names accepted by TakeFields.
func DescriptiveFields() []string {
	return slices.Clone(descriptiveFields)
}

// Sources recorded in a log's field choices.
const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
)

// FieldChange is a descriptive field the primary takes from the secondary.
type FieldChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// MergeOption customizes Preview and Merge.
type MergeOption func(*mergeOptions)

type mergeOptions struct {
	notes string
	take  []string
}

// WithNotes attaches reviewer notes to the merge log.
func WithNotes(notes string) MergeOption {
	return func(o *mergeOptions) {
		o.notes = strings.TrimSpace(notes)
	}
}

// TakeFields copies the named descriptive fields from the secondary onto
// the primary. Fields not named keep the primary's value.
func TakeFields(fields ...string) MergeOption {
	return func(o *mergeOptions) {
		o.take = append(o.take, fields...)
	}
}

func resolveOptions(opts []MergeOption) (mergeOptions, error) {
	var o mergeOptions
	for _, opt := range opts {
		opt(&o)
	}
	var take []string
	for _, field := range o.take {
		name := strings.ToLower(strings.TrimSpace(field))
		if name == "" {
			continue
		}
		if !slices.Contains(descriptiveFields, name) {
			return o, dedupeerr.Validation("merge", fmt.Sprintf("unknown field %q (expected one of %s)", field, strings.Join(descriptiveFields, ", ")))
		}
		if !slices.Contains(take, name) {
			take = append(take, name)
		}
	}
	o.take = take
	return o, nil
}

// describe returns the primary's description after taking fields from the
// secondary, plus the fields whose value actually changes.
func describe(primary, secondary *catalog.Record, take []string) (catalog.Description, []FieldChange) {
	desc := primary.Description()
	from := secondary.Description()
	var changes []FieldChange
	for _, field := range take {
		var (
			dst *string
			src string
		)
		switch field {
		case FieldTitle:
			dst, src = &desc.Title, from.Title
		case FieldIdentifier:
			dst, src = &desc.Identifier, from.Identifier
		case FieldLevel:
			dst, src = &desc.Level, from.Level
		default:
			continue
		}
		if *dst == src {
			continue
		}
		changes = append(changes, FieldChange{Field: field, From: *dst, To: src})
		*dst = src
	}
	return desc, changes
}

// fieldChoices records which record supplied each descriptive field. It is
// nil when the primary kept all of its own values.
func fieldChoices(take []string) map[string]string {
	if len(take) == 0 {
		return nil
	}
	choices := make(map[string]string, len(descriptiveFields))
	for _, field := range descriptiveFields {
		choices[field] = SourcePrimary
		if slices.Contains(take, field) {
			choices[field] = SourceSecondary
		}
	}
	return choices
}
