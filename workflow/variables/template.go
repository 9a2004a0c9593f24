package variables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"text/template"

	"github.com/openobserve/swisspipe/workflow"
)

// envPrefix and eventPrefix rewrite the spec's `{{ env.NAME }}` /
// `{{ event.data.path }}` surface syntax into valid text/template field
// access (`.Env.NAME` / `.Event.Data.path`) before parsing, so the
// template language itself stays the small, restricted two-namespace
// surface §4.10 describes rather than exposing the full Go template
// pipeline (control structures, arbitrary funcs) to workflow authors.
var (
	envPrefix       = regexp.MustCompile(`\{\{(\s*)env\.`)
	eventDataPrefix = regexp.MustCompile(`\{\{(\s*)event\.data\b`)
	eventPrefix     = regexp.MustCompile(`\{\{(\s*)event\.`)
)

// templateContext is what a rewritten template executes against.
type templateContext struct {
	Env   map[string]string
	Event eventView
}

// eventView exposes the parts of WorkflowEvent a template may read.
// Data is decoded into a generic JSON tree so `.Event.Data.path`
// resolves through nested objects.
type eventView struct {
	Data     interface{}
	Metadata map[string]string
	Headers  map[string]string
}

// Render expands text using the env namespace (resolved variable
// name → plaintext value) and the current event. Resolution is
// strict: a reference to an undefined env name or event path fails the
// render (§4.10).
func Render(text string, env map[string]string, event workflow.WorkflowEvent) (string, error) {
	rewritten := eventDataPrefix.ReplaceAllString(envPrefix.ReplaceAllString(text, `{{$1.Env.`), `{{$1.Event.Data`)
	rewritten = eventPrefix.ReplaceAllString(rewritten, `{{$1.Event.`)

	tmpl, err := template.New("swisspipe").Option("missingkey=error").Parse(rewritten)
	if err != nil {
		return "", fmt.Errorf("variables: parse template: %w", err)
	}

	var data interface{}
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return "", fmt.Errorf("variables: decode event data: %w", err)
		}
	}

	ctx := templateContext{
		Env: env,
		Event: eventView{
			Data:     data,
			Metadata: event.Metadata,
			Headers:  event.Headers,
		},
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("variables: undefined template reference: %w", err)
	}
	return buf.String(), nil
}

// ResolveAll decrypts/copies every EnvironmentVariable into a plain
// name→plaintext map suitable for Render, materializing secret
// plaintext only for the duration of one execution's template
// resolution (§4.10's "plaintext is only ever materialized when
// loading the variable map for a workflow's execution").
func ResolveAll(vars []workflow.EnvironmentVariable, enc *Encryptor) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		switch v.ValueType {
		case workflow.VarSecret:
			plain, err := enc.Open(v.Value)
			if err != nil {
				return nil, fmt.Errorf("variables: decrypt %q: %w", v.Name, err)
			}
			out[v.Name] = plain
		default:
			out[v.Name] = v.Value
		}
	}
	return out, nil
}
