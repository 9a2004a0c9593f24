package engine

import (
	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/variables"
)

// init wires node_executor.go's prompt-rendering indirection
// to the variables package's strict {{ env.X }} / {{ event.data.path }}
// template engine (§4.10), kept as a package-level var (rather than a
// direct call) so tests can substitute a renderer without an env map.
func init() {
	renderTemplate = func(tmpl string, env map[string]string, event workflow.WorkflowEvent) (string, error) {
		return variables.Render(tmpl, env, event)
	}
}
