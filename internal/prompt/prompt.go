// Package prompt renders stage and task prompts from text/template sources.
package prompt

import (
	"fmt"
	"strings"
	"text/template"
)

// Vars are the values available to a template.
//
//	.Idea    the product idea the run was submitted with
//	.Stage   the stage being rendered
//	.Input   the output of the previous stage (empty for the first stage)
//	.Stages  outputs of all previous stages, by stage name
//	.Payload the task payload
//	.Inputs  results of completed dependencies, by task id
type Vars struct {
	Idea    string
	Stage   string
	Input   string
	Stages  map[string]string
	Payload string
	Inputs  map[string]string
}

var funcs = template.FuncMap{
	"trim":   strings.TrimSpace,
	"upper":  strings.ToUpper,
	"lower":  strings.ToLower,
	"indent": indent,
	"join":   strings.Join,
}

func indent(n int, s string) string {
	pad := strings.Repeat(" ", n)
	return pad + strings.ReplaceAll(s, "\n", "\n"+pad)
}

// Render executes tmpl against vars. Referencing a missing map key is an
// error rather than silently rendering "<no value>".
func Render(tmpl string, vars Vars) (string, error) {
	t, err := template.New("prompt").Funcs(funcs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return b.String(), nil
}

// Check parses tmpl without executing it.
func Check(tmpl string) error {
	if _, err := template.New("prompt").Funcs(funcs).Parse(tmpl); err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	return nil
}

// Compose builds the prompt of a task without a template: the payload
// followed by each dependency result, separated by blank lines. Empty parts
// are skipped.
func Compose(payload string, inputs []string) string {
	parts := make([]string, 0, len(inputs)+1)
	if payload != "" {
		parts = append(parts, payload)
	}
	for _, in := range inputs {
		if in != "" {
			parts = append(parts, in)
		}
	}
	return strings.Join(parts, "\n\n")
}
