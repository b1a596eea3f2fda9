package env

import (
	"errors"
	"fmt"

	"github.com/ssd-technologies/creamas/internal/agent"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/vote"
)

var (
	// ErrNameCollision matches every NameCollisionError.
	ErrNameCollision = errors.New("agent name already in use")
	// ErrUnknownAgent is returned for an address or name the environment
	// does not host.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrDestroyed is returned by operations on a destroyed environment,
	// including a second Destroy.
	ErrDestroyed = errors.New("environment destroyed")
	// ErrNoHostManager is returned when an upcall needs a host manager and
	// none is set.
	ErrNoHostManager = errors.New("no host manager set")
	// ErrAgeDecrease is returned when SetAge would move the clock backwards.
	ErrAgeDecrease = errors.New("environment age cannot decrease")
)

func init() {
	rpc.RegisterCode("name_collision", ErrNameCollision)
	rpc.RegisterCode("unknown_agent", ErrUnknownAgent)
	rpc.RegisterCode("destroyed", ErrDestroyed)
	rpc.RegisterCode("no_host_manager", ErrNoHostManager)
	rpc.RegisterCode("age_decrease", ErrAgeDecrease)
	rpc.RegisterCode("unknown_kind", agent.ErrUnknownKind)
	rpc.RegisterCode("not_connected", agent.ErrNotConnected)
	rpc.RegisterCode("unknown_vote_method", vote.ErrUnknownMethod)
	rpc.RegisterCode("accepted_count", vote.ErrAccepted)
}

// NameCollisionError reports a spawn with a name that is already taken.
type NameCollisionError struct {
	Name string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("agent name %q already in use", e.Name)
}

func (e *NameCollisionError) Is(target error) bool { return target == ErrNameCollision }
