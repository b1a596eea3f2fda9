package env

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/agent"
	"github.com/ssd-technologies/creamas/internal/fanout"
)

// Result is one agent's outcome of a triggered act. Err is set instead of
// Value when the act failed.
type Result struct {
	Addr  string          `json:"addr"`
	Value json.RawMessage `json:"value,omitempty"`
	Err   string          `json:"error,omitempty"`
}

// Failed reports whether the act failed.
func (r Result) Failed() bool { return r.Err != "" }

// TriggerAct ages the agent at addr by one and then lets it act. A failing or
// panicking act is returned as an error for that agent only.
func (e *Environment) TriggerAct(ctx context.Context, addr string) (any, error) {
	ag, err := e.Agent(addr)
	if err != nil {
		return nil, err
	}
	return e.act(ctx, ag)
}

func (e *Environment) act(ctx context.Context, ag agent.Agent) (v any, err error) {
	b := ag.Core()
	b.GetOlder()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("agent act panicked", zap.String("agent", b.Addr()), zap.Any("panic", r))
			err = fmt.Errorf("agent %s panicked: %v", b.Addr(), r)
		}
	}()
	return ag.Act(ctx)
}

// TriggerAll triggers every agent concurrently and returns one Result per
// agent in spawn order, whatever order the acts finish in.
func (e *Environment) TriggerAll(ctx context.Context, includeManager bool) []Result {
	agents := e.GetAgents(Filter{IncludeManager: includeManager})
	outs := fanout.Map(ctx, agents, e.cfg.Concurrency, func(ctx context.Context, ag agent.Agent) (json.RawMessage, error) {
		v, err := e.act(ctx, ag)
		if err != nil {
			return nil, err
		}
		return encodeValue(v)
	})

	results := make([]Result, len(outs))
	failed := 0
	for i, o := range outs {
		results[i] = Result{Addr: agents[i].Core().Addr(), Value: o.Value}
		if o.Err != nil {
			results[i].Err = o.Err.Error()
			failed++
		}
	}
	if failed > 0 {
		e.logger.Warn("some agents failed to act", zap.Int("failed", failed), zap.Int("agents", len(agents)))
	}
	return results
}

func encodeValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode act result: %w", err)
	}
	return data, nil
}
