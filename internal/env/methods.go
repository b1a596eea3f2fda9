package env

import (
	"context"
	"encoding/json"

	"github.com/ssd-technologies/creamas/internal/agent"
	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/vote"
)

// Methods exposed by managers.
const (
	MethodSpawn              = "spawn"
	MethodSpawnN             = "spawn_n"
	MethodGetAgents          = "get_agents"
	MethodAct                = "act"
	MethodGetOlder           = "get_older"
	MethodTriggerAll         = "trigger_all"
	MethodCandidates         = "candidates"
	MethodAddCandidate       = "add_candidate"
	MethodClearCandidates    = "clear_candidates"
	MethodValidateCandidates = "validate_candidates"
	MethodGatherVotes        = "gather_votes"
	MethodVote               = "vote"
	MethodArtifacts          = "artifacts"
	MethodGetArtifacts       = "get_artifacts"
	MethodCreateConnections  = "create_connections"
	MethodGetConnections     = "get_connections"
	MethodHostAddr           = "host_addr"
	MethodSetHostAddr        = "set_host_addr"
	MethodIsReady            = "is_ready"
	MethodStop               = "stop"
	MethodReport             = "report"
	MethodHandle             = "handle"
	MethodGetAge             = "get_age"
	MethodSetAge             = "set_age"
)

// Methods exposed by every agent.
const (
	MethodEvaluate         = "evaluate"
	MethodValidate         = "validate"
	MethodAddConnection    = "add_connection"
	MethodRemoveConnection = "remove_connection"
	MethodConnections      = "connections"
)

type spawnParams struct {
	Kind string          `json:"kind"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

type spawnNParams struct {
	Kind string          `json:"kind"`
	N    int             `json:"n"`
	Args json.RawMessage `json:"args,omitempty"`
}

type getAgentsParams struct {
	Kind string `json:"kind,omitempty"`
}

type addrParams struct {
	Addr string `json:"addr"`
}

type candidatesParams struct {
	Candidates []*artifact.Artifact `json:"candidates"`
}

type creatorParams struct {
	Creator string `json:"creator,omitempty"`
}

type folderParams struct {
	Folder string `json:"folder,omitempty"`
}

type messageParams struct {
	Msg string `json:"msg"`
}

type ageParams struct {
	Age int `json:"age"`
}

type connectionParams struct {
	Addr     string  `json:"addr"`
	Attitude float64 `json:"attitude"`
}

// Route implements rpc.Router: ID 0 is the manager, every other ID an agent.
func (e *Environment) Route(id int) (rpc.Handler, bool) {
	e.mu.RLock()
	ag, ok := e.agents[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if id == rpc.ManagerID {
		return e.manager.methods, true
	}
	return agentMethods(e, ag), true
}

// agentMethods exposes one agent.
func agentMethods(e *Environment, ag agent.Agent) rpc.Methods {
	b := ag.Core()
	return rpc.Methods{
		MethodEvaluate: rpc.Bind(func(ctx context.Context, a *artifact.Artifact) (artifact.Evaluation, error) {
			score, framing, err := ag.Evaluate(ctx, a)
			return artifact.Evaluation{Score: score, Framing: framing}, err
		}),
		MethodAct: rpc.Bind0(func(ctx context.Context) (json.RawMessage, error) {
			v, err := e.act(ctx, ag)
			if err != nil {
				return nil, err
			}
			return encodeValue(v)
		}),
		MethodGetOlder: rpc.Bind0(func(context.Context) (int, error) {
			return b.GetOlder(), nil
		}),
		MethodVote: rpc.Bind(func(ctx context.Context, p candidatesParams) (vote.KeyedBallot, error) {
			b, err := agent.Vote(ctx, ag, p.Candidates)
			return b.Keyed(), err
		}),
		MethodValidate: rpc.Bind(func(ctx context.Context, p candidatesParams) ([]string, error) {
			valid, err := agent.Validate(ctx, ag, p.Candidates)
			return artifact.Keys(valid), err
		}),
		MethodAddConnection: rpc.Bind(func(_ context.Context, p connectionParams) (bool, error) {
			return b.AddConnection(p.Addr, p.Attitude)
		}),
		MethodRemoveConnection: rpc.Bind(func(_ context.Context, p addrParams) (bool, error) {
			return b.RemoveConnection(p.Addr), nil
		}),
		MethodConnections: rpc.Bind0(func(context.Context) (map[string]float64, error) {
			return b.ConnectionMap(), nil
		}),
	}
}
