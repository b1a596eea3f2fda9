package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/agent"
	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/env"
	"github.com/ssd-technologies/creamas/internal/rules"
)

const (
	inventorKind = "inventor"
	numberDomain = "number"

	// proposeAbove is the self score an invention needs before the inventor
	// offers it to the society.
	proposeAbove = 0.5
)

// valueFeature reads a number artifact's payload.
var valueFeature = rules.FeatureFunc{
	FeatureName: "value",
	Supported:   []string{numberDomain},
	Fn: func(a *artifact.Artifact) any {
		v, err := strconv.ParseFloat(string(a.Payload()), 64)
		if err != nil {
			return 0.0
		}
		return v
	},
}

type inventorArgs struct {
	Taste  *float64 `json:"taste"`  // preferred number, random in [0, 100) when unset
	Spread float64  `json:"spread"` // tolerance around taste, default 10
}

// inventor invents numbers in [0, 100) and likes those close to its taste.
// It asks one connection for an opinion and proposes what it likes.
type inventor struct {
	*agent.Base
	taste *rules.Gaussian

	rngMu sync.Mutex // acts may overlap when act is also called over RPC
	rng   *rand.Rand
}

func newRegistry(resources int) *agent.Registry {
	reg := agent.NewRegistry()
	if err := reg.Register(inventorKind, func(b *agent.Base, raw json.RawMessage) (agent.Agent, error) {
		return newInventor(b, raw, resources)
	}); err != nil {
		panic(err)
	}
	return reg
}

func newInventor(b *agent.Base, raw json.RawMessage, resources int) (*inventor, error) {
	args := inventorArgs{Spread: 10}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("inventor args: %w", err)
		}
	}
	rng := env.NewRand()
	taste := rng.Float64() * 100
	if args.Taste != nil {
		taste = *args.Taste
	}
	g, err := rules.NewGaussian(taste, args.Spread, rules.Mode01)
	if err != nil {
		return nil, fmt.Errorf("inventor taste: %w", err)
	}
	if _, err := b.AddRule(rules.NewLeaf(valueFeature, g), 1); err != nil {
		return nil, err
	}
	if resources > 0 {
		b.SetMaxResources(resources)
		b.Refill()
	}
	return &inventor{Base: b, taste: g, rng: rng}, nil
}

func (i *inventor) float() float64 {
	i.rngMu.Lock()
	defer i.rngMu.Unlock()
	return i.rng.Float64()
}

func (i *inventor) intN(n int) int {
	i.rngMu.Lock()
	defer i.rngMu.Unlock()
	return i.rng.IntN(n)
}

// Act invents one number, asks a random connection about it and proposes it
// when the two of them like it enough.
func (i *inventor) Act(ctx context.Context) (any, error) {
	if _, limit := i.Resources(); limit > 0 && !i.Spend(1) {
		i.Refill()
		i.Logger().Debug("resting")
		return nil, nil
	}

	v := i.float() * 100
	score, err := i.taste.Map(v)
	if err != nil {
		return nil, err
	}
	a := artifact.New(i.Addr(), numberDomain, []byte(strconv.FormatFloat(v, 'f', 2, 64)), score, nil)
	i.Publish(a)

	if conns := i.Connections(); len(conns) > 0 {
		peer := conns[i.intN(len(conns))]
		opinion, _, err := i.AskOpinion(ctx, peer, a)
		if err != nil {
			i.Logger().Warn("opinion unavailable", zap.String("peer", peer), zap.Error(err))
		} else {
			score = (score + opinion) / 2
		}
	}
	if score < proposeAbove {
		return v, nil
	}
	if err := i.Propose(ctx, a); err != nil {
		return nil, err
	}
	return v, nil
}
