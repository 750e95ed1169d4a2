package replog

import (
	"context"
	"errors"
	"fmt"
	"time"

	consensus "github.com/libp2p/go-libp2p-consensus"
)

// SetStateTimeout specifies how long before giving up on setting a state
var SetStateTimeout = 30 * time.Second

var (
	// ErrNotLeader is returned when a value is submitted to a node that
	// is not the leader.
	ErrNotLeader = errors.New("this actor is not the leader")

	// ErrNoLeader is returned when no leader is known.
	ErrNoLeader = errors.New("no leader is known")
)

// Actor implements a consensus.Actor, allowing to SetState in a libp2p
// Consensus system. Every state it sets is an AppendOp, committed with
// Paxos by the Bully leader.
type Actor struct {
	Node *Node
}

// NewActor returns a new actor for a node.
func NewActor(n *Node) *Actor {
	return &Actor{
		Node: n,
	}
}

// SetState commits the operation given as newState (an AppendOp) and
// returns the log once the value is in it. It blocks until then or until
// SetStateTimeout expires.
//
// Only the leader can set the state. Otherwise, ErrNotLeader is returned.
func (actor *Actor) SetState(newState consensus.State) (consensus.State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), SetStateTimeout)
	defer cancel()
	return actor.SetStateContext(ctx, newState)
}

// SetStateContext is SetState bounded by ctx instead of SetStateTimeout.
func (actor *Actor) SetStateContext(ctx context.Context, newState consensus.State) (consensus.State, error) {
	if actor.Node == nil {
		return nil, errors.New("this actor does not have a node")
	}
	value, err := opValue(newState)
	if err != nil {
		return nil, err
	}
	if err := validValue(value); err != nil {
		return nil, err
	}
	if !actor.IsLeader() {
		return nil, ErrNotLeader
	}

	// every round holds off log transfers while it runs
	if !actor.Node.consensus.StartConsensus(ctx, value) {
		return nil, ctx.Err()
	}
	entries, err := actor.Node.fsm.Entries()
	if err != nil {
		return nil, err
	}
	return LogState{Entries: entries}, nil
}

// IsLeader returns whether the node of this actor is the leader.
func (actor *Actor) IsLeader() bool {
	if actor.Node != nil {
		return actor.Node.election.IsLeader()
	}
	return false
}

func opValue(st consensus.State) (string, error) {
	switch op := st.(type) {
	case AppendOp:
		return op.Value, nil
	case *AppendOp:
		return op.Value, nil
	case string:
		return op, nil
	default:
		return "", fmt.Errorf("unexpected operation type %T", st)
	}
}
