package workflow

import (
	"maps"
	"regexp"
	"strconv"
	"strings"

	"github.com/aescanero/dagci/pkg/domain"
)

var exprPattern = regexp.MustCompile(`\$\{\{\s*(.*?)\s*\}\}`)

// Context holds the values ${{ ... }} expressions resolve against, keyed by
// dotted path such as "matrix.rust" or "github.ref".
type Context map[string]string

// NewContext builds the github and env contexts for a workflow and trigger.
func NewContext(w *Workflow, t domain.RunTrigger) Context {
	c := Context{
		"github.workflow":   w.ID(),
		"github.event_name": string(t.Event),
		"github.ref":        t.RefName(),
		"github.ref_name":   t.RefName(),
		"github.sha":        t.SHA,
		"github.repository": t.Repository,
	}
	if t.Event == domain.EventPullRequest {
		n := strconv.Itoa(t.PullRequest)
		c["github.event.pull_request.number"] = n
		c["github.event.number"] = n
		c["github.base_ref"] = t.TargetBranch
		c["github.head_ref"] = t.Ref
	}
	return c.With("env", w.Env)
}

// With returns a copy of c with values added under prefix.
func (c Context) With(prefix string, values map[string]string) Context {
	out := maps.Clone(c)
	if out == nil {
		out = Context{}
	}
	for k, v := range values {
		out[prefix+"."+k] = v
	}
	return out
}

// Expand replaces every ${{ ... }} expression in s.
func (c Context) Expand(s string) string {
	if !strings.Contains(s, "${{") {
		return s
	}
	return exprPattern.ReplaceAllStringFunc(s, func(m string) string {
		return c.Eval(exprPattern.FindStringSubmatch(m)[1])
	})
}

// ExpandMap expands every value of m into a new map.
func (c Context) ExpandMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = c.Expand(v)
	}
	return out
}

// Eval evaluates an expression body. Supported forms are context paths,
// quoted string literals, numbers and "a || b" fallbacks, which return the
// first non-empty operand. Unknown paths evaluate to "".
func (c Context) Eval(expr string) string {
	for _, operand := range strings.Split(expr, "||") {
		if v := c.operand(strings.TrimSpace(operand)); v != "" {
			return v
		}
	}
	return ""
}

func (c Context) operand(op string) string {
	if len(op) >= 2 && op[0] == '\'' && op[len(op)-1] == '\'' {
		return strings.ReplaceAll(op[1:len(op)-1], "''", "'")
	}
	if _, err := strconv.ParseFloat(op, 64); err == nil {
		return op
	}
	return c[op]
}
