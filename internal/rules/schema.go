package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ledgerflow/autobook/internal/domain"
)

//go:embed policy_schema.json
var policySchemaJSON []byte

const policySchemaURL = "https://ledgerflow.dev/schemas/policy.json"

// FieldError is one structural problem in a policy document.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Message
}

// SchemaViolation is returned when a policy document fails validation.
type SchemaViolation struct {
	PolicyID string       `json:"policy_id"`
	Errors   []FieldError `json:"errors"`
}

func (e *SchemaViolation) Error() string {
	id := e.PolicyID
	if id == "" {
		id = "unknown"
	}
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.String()
	}
	return fmt.Sprintf("invalid policy %s: %s", id, strings.Join(parts, "; "))
}

// Unwrap lets callers match domain.ErrSchemaViolation.
func (e *SchemaViolation) Unwrap() error { return domain.ErrSchemaViolation }

// ─── Validator ──────────────────────────────────────────────────────────────

// Validator checks policy documents against the fixed policy schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded policy schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.AssertFormat = true
	if err := c.AddResource(policySchemaURL, bytes.NewReader(policySchemaJSON)); err != nil {
		return nil, fmt.Errorf("add policy schema: %w", err)
	}
	s, err := c.Compile(policySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

var defaultValidator = sync.OnceValue(func() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err) // embedded schema is fixed at compile time
	}
	return v
})

// DefaultValidator returns the shared validator. It holds no mutable state.
func DefaultValidator() *Validator { return defaultValidator() }

// Validate returns nil or a *SchemaViolation listing every field error.
func (v *Validator) Validate(doc []byte) error {
	var raw any
	if err := json.Unmarshal(doc, &raw); err != nil {
		return &SchemaViolation{Errors: []FieldError{{Field: "(document)", Message: err.Error()}}}
	}
	id := ""
	if m, ok := raw.(map[string]any); ok {
		id, _ = m["id"].(string)
	}

	err := v.schema.Validate(raw)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &SchemaViolation{PolicyID: id, Errors: []FieldError{{Field: "(document)", Message: err.Error()}}}
	}
	fields := collectLeaves(ve, nil)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return &SchemaViolation{PolicyID: id, Errors: fields}
}

// collectLeaves flattens the validation error tree to its most specific causes.
func collectLeaves(ve *jsonschema.ValidationError, out []FieldError) []FieldError {
	if len(ve.Causes) == 0 {
		return append(out, FieldError{Field: fieldPath(ve.InstanceLocation), Message: ve.Message})
	}
	for _, c := range ve.Causes {
		out = collectLeaves(c, out)
	}
	return out
}

// fieldPath turns a JSON pointer such as /rules/posting/0/side into
// rules.posting[0].side.
func fieldPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return "(root)"
	}
	var b strings.Builder
	for i, seg := range strings.Split(ptr, "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ─── Decoding ───────────────────────────────────────────────────────────────

// ParsePolicy validates a document and decodes it into a Policy.
func (v *Validator) ParsePolicy(doc []byte) (Policy, error) {
	if err := v.Validate(doc); err != nil {
		return Policy{}, err
	}
	var p Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		// The schema admits it, so this is a value the typed model cannot hold.
		return Policy{}, &SchemaViolation{PolicyID: p.ID, Errors: []FieldError{{Field: "(document)", Message: err.Error()}}}
	}
	return p, nil
}

// ParsePolicies validates every document first and decodes only if all pass.
// The returned error is the first violation encountered.
func (v *Validator) ParsePolicies(docs [][]byte) ([]Policy, error) {
	out := make([]Policy, 0, len(docs))
	for _, doc := range docs {
		p, err := v.ParsePolicy(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
