package replog

import (
	"errors"
	"fmt"

	consensus "github.com/libp2p/go-libp2p-consensus"
)

// ErrDiverged is returned by CommitState when the agreed log is not a prefix
// of the requested one.
var ErrDiverged = errors.New("log has diverged from the requested state")

// LogState is the state agreed upon by the cluster: the committed values,
// oldest first.
type LogState struct {
	Entries []string
}

// AppendOp is the only operation of the log: it appends Value.
type AppendOp struct {
	Value string
}

// ApplyTo returns st with the value appended.
func (op AppendOp) ApplyTo(st consensus.State) (consensus.State, error) {
	var entries []string
	switch s := st.(type) {
	case LogState:
		entries = s.Entries
	case *LogState:
		if s != nil {
			entries = s.Entries
		}
	case nil:
	default:
		return nil, fmt.Errorf("unexpected state type %T", st)
	}
	next := make([]string, len(entries), len(entries)+1)
	copy(next, entries)
	return LogState{Entries: append(next, op.Value)}, nil
}

// OpLog implements both the go-libp2p-consensus Consensus and the
// OpLogConsensus interfaces on top of a node's log. Operations are
// AppendOps, submitted through an Actor; the log head is read straight
// from the local log, so it includes every value this node has seen
// committed.
type OpLog struct {
	fsm   *FSM
	actor consensus.Actor
}

// NewOpLog returns an OpLog reading the log kept by fsm.
func NewOpLog(fsm *FSM) *OpLog {
	return &OpLog{fsm: fsm}
}

// SetActor changes the actor in charge of submitting new operations.
func (opLog *OpLog) SetActor(actor consensus.Actor) {
	opLog.actor = actor
}

// CommitOp submits op, which must be an AppendOp, and blocks until it is
// committed.
func (opLog *OpLog) CommitOp(op consensus.Op) (consensus.State, error) {
	if opLog.actor == nil {
		return nil, errors.New("no actor set to commit the new state")
	}
	return opLog.actor.SetState(op)
}

// GetLogHead returns the local log.
func (opLog *OpLog) GetLogHead() (consensus.State, error) {
	entries, err := opLog.fsm.Entries()
	if err != nil {
		return nil, err
	}
	return LogState{Entries: entries}, nil
}

// Rollback replaces the local log with state. Other nodes are not
// affected.
func (opLog *OpLog) Rollback(state consensus.State) error {
	ls, err := asLogState(state)
	if err != nil {
		return err
	}
	for _, e := range ls.Entries {
		if err := validValue(e); err != nil {
			return err
		}
	}
	return opLog.fsm.restoreBytes(joinEntries(ls.Entries))
}

// GetCurrentState returns the upon-agreed state of the system.
func (opLog *OpLog) GetCurrentState() (consensus.State, error) {
	return opLog.GetLogHead()
}

// CommitState brings the log to state by committing, in order, the
// entries it lacks. The current log must be a prefix of state.
//
// Note that only the leader can commit a state.
func (opLog *OpLog) CommitState(state consensus.State) (consensus.State, error) {
	target, err := asLogState(state)
	if err != nil {
		return nil, err
	}
	head, err := opLog.GetLogHead()
	if err != nil {
		return nil, err
	}
	current := head.(LogState).Entries
	if len(current) > len(target.Entries) {
		return nil, ErrDiverged
	}
	for i, e := range current {
		if target.Entries[i] != e {
			return nil, ErrDiverged
		}
	}
	for _, e := range target.Entries[len(current):] {
		if head, err = opLog.CommitOp(AppendOp{Value: e}); err != nil {
			return nil, err
		}
	}
	return head, nil
}

func asLogState(st consensus.State) (LogState, error) {
	switch s := st.(type) {
	case LogState:
		return s, nil
	case *LogState:
		if s == nil {
			return LogState{}, nil
		}
		return *s, nil
	default:
		return LogState{}, fmt.Errorf("unexpected state type %T", st)
	}
}
