package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Query is the rego entrypoint a module must define.
const Query = "data.agent.allow"

// Input is what the policy sees for one credential injection.
type Input struct {
	Configuration string `json:"configuration"`
	URL           string `json:"url"`
	Method        string `json:"method"`
	Mode          string `json:"mode"`
	Scheme        string `json:"scheme"`
}

// Injection decides whether credentials may be attached to a request.
type Injection struct {
	query rego.PreparedEvalQuery
}

// New compiles module once.
func New(ctx context.Context, module string) (*Injection, error) {
	pq, err := rego.New(
		rego.Query(Query),
		rego.Module("agent.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile injection policy: %w", err)
	}
	return &Injection{query: pq}, nil
}

// Load reads and compiles a rego file.
func Load(ctx context.Context, path string) (*Injection, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read injection policy: %w", err)
	}
	return New(ctx, string(b))
}

// Allow evaluates the policy. An undefined result denies.
func (p *Injection) Allow(ctx context.Context, in Input) (bool, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allow, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allow, nil
}
