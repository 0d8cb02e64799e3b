package prompt

import (
	"fmt"
	"strings"
	"text/template"
)

// Candidate is one contribution presented to the arbiter.
type Candidate struct {
	TaskID  string
	AgentID string
	Output  string
}

// Arbitration describes an escalated decision.
type Arbitration struct {
	DecisionID string
	Stage      string
	Policy     string
	Reason     string
	Candidates []Candidate
}

const arbitrationSource = `Decision {{.DecisionID}} in stage {{.Stage}} could not be settled by the {{.Policy}} policy.
{{- if .Reason}}
Reason: {{.Reason}}{{end}}

Choose the best candidate or merge them into one answer. Reply with the final answer only.
{{range $i, $c := .Candidates}}
--- Candidate {{inc $i}} (task {{$c.TaskID}}{{if $c.AgentID}}, agent {{$c.AgentID}}{{end}}) ---
{{$c.Output}}
{{end}}`

var arbitrationTemplate = template.Must(template.New("arbitration").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	Parse(arbitrationSource))

// RenderArbitration renders the prompt handed to the coordinator when a
// decision escalates.
func RenderArbitration(a Arbitration) (string, error) {
	var b strings.Builder
	if err := arbitrationTemplate.Execute(&b, a); err != nil {
		return "", fmt.Errorf("render arbitration: %w", err)
	}
	return b.String(), nil
}
