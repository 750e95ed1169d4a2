package replog

import (
	"bytes"
	"io"
	"io/ioutil"
	"sync"

	"github.com/hashicorp/raft"
	multihash "github.com/multiformats/go-multihash"
)

// MaxSubscriberCh indicates how much buffering the subscriber channel
// has.
var MaxSubscriberCh = 128

// FSM exposes a LogStore through the hashicorp/raft FSM contract: committed
// values are applied as log commands, and snapshots carry the whole log,
// which is what a recovering node receives from the leader.
//
// The contract is kept so the log can be driven like any raft state machine:
// Apply gets the round id as the entry index for its logs, and recovery
// moves the log with FSMSnapshot.Persist into a SnapshotSink and Restore on
// the other side.
type FSM struct {
	store LogStore

	mux sync.Mutex

	subscriberCh chan struct{}
	chMux        sync.Mutex
}

var _ raft.FSM = (*FSM)(nil)

// NewFSM returns an FSM backed by store.
func NewFSM(store LogStore) *FSM {
	return &FSM{store: store}
}

// Apply appends the value carried in rlog.Data to the log. It returns the
// append error, if any.
func (fsm *FSM) Apply(rlog *raft.Log) interface{} {
	fsm.mux.Lock()
	defer fsm.mux.Unlock()

	if err := fsm.store.Append(string(rlog.Data)); err != nil {
		logger.Errorf("error appending entry of round %d: %s", rlog.Index, err)
		return err
	}
	fsm.updateSubscribers()
	return nil
}

// Snapshot captures the current log.
func (fsm *FSM) Snapshot() (raft.FSMSnapshot, error) {
	fsm.mux.Lock()
	defer fsm.mux.Unlock()

	bs, err := fsm.store.Read()
	if err != nil {
		logger.Errorf("error reading log for snapshot: %s", err)
		return nil, err
	}
	return &fsmSnapshot{state: bytes.NewBuffer(bs)}, nil
}

// Restore replaces the log with the snapshot read from reader.
func (fsm *FSM) Restore(reader io.ReadCloser) error {
	defer reader.Close()
	fsm.mux.Lock()
	defer fsm.mux.Unlock()

	bs, err := ioutil.ReadAll(reader)
	if err != nil {
		logger.Errorf("error reading snapshot: %s", err)
		return err
	}
	if err := fsm.store.Replace(bs); err != nil {
		logger.Errorf("error restoring snapshot: %s", err)
		return err
	}
	fsm.updateSubscribers()
	return nil
}

// Entries returns the values in the log.
func (fsm *FSM) Entries() ([]string, error) {
	fsm.mux.Lock()
	defer fsm.mux.Unlock()
	bs, err := fsm.store.Read()
	if err != nil {
		return nil, err
	}
	return splitEntries(bs), nil
}

// snapshotBytes persists a snapshot of the FSM into memory.
func (fsm *FSM) snapshotBytes() ([]byte, error) {
	snap, err := fsm.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	sink := &bufferSink{}
	if err := snap.Persist(sink); err != nil {
		return nil, err
	}
	return sink.Bytes(), nil
}

// restoreBytes restores the FSM from in-memory contents.
func (fsm *FSM) restoreBytes(bs []byte) error {
	return fsm.Restore(ioutil.NopCloser(bytes.NewReader(bs)))
}

// subscribe returns a channel on which a notification is sent every time
// the log changes.
func (fsm *FSM) subscribe() <-chan struct{} {
	fsm.chMux.Lock()
	defer fsm.chMux.Unlock()
	if fsm.subscriberCh == nil {
		fsm.subscriberCh = make(chan struct{}, MaxSubscriberCh)
	}
	return fsm.subscriberCh
}

// unsubscribe closes the channel returned upon subscribe() (if any).
func (fsm *FSM) unsubscribe() {
	fsm.chMux.Lock()
	defer fsm.chMux.Unlock()
	if fsm.subscriberCh != nil {
		close(fsm.subscriberCh)
		fsm.subscriberCh = nil
	}
}

func (fsm *FSM) updateSubscribers() {
	fsm.chMux.Lock()
	defer fsm.chMux.Unlock()
	if fsm.subscriberCh != nil {
		select {
		case fsm.subscriberCh <- struct{}{}:
		default:
			logger.Debug("subscriber channel is full. Discarding update!")
		}
	}
}

// logDigest returns the multihash of log contents. Leader and recovering
// node compare digests to check the transfer was exact.
func logDigest(bs []byte) ([]byte, error) {
	return multihash.Sum(bs, multihash.SHA2_256, -1)
}

// fsmSnapshot implements the hashicorp/raft interface and stores the
// serialized log.
type fsmSnapshot struct {
	state *bytes.Buffer
}

// Persist writes the snapshot to a raft.SnapshotSink.
func (snap *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	_, err := io.Copy(sink, snap.state)
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (snap *fsmSnapshot) Release() {}

// bufferSink is an in-memory raft.SnapshotSink.
type bufferSink struct {
	bytes.Buffer
	canceled bool
}

func (s *bufferSink) ID() string {
	return "memory"
}

func (s *bufferSink) Cancel() error {
	s.canceled = true
	return nil
}

func (s *bufferSink) Close() error {
	return nil
}
