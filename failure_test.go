package replog

import (
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Create an unstarted node: tests drive its failure detector by hand.
func makeTestingDetector(t *testing.T, size, id int, tweak func(*Config)) (*Node, *Network) {
	t.Helper()
	net := NewNetwork(size)
	n := makeTestingNode(t, net, id, t.TempDir(), tweak)
	t.Cleanup(func() { n.Stop() })
	return n, net
}

func silence(f *FailureDetector, ids ...int) {
	f.mux.Lock()
	defer f.mux.Unlock()
	for _, id := range ids {
		f.peers[f.index(id)].lastHeartbeat = time.Now().Add(-time.Hour)
	}
}

func drainFailure(net *Network, id int) []Message {
	var msgs []Message
	for {
		_, msg, ok := net.Transport(id).TryReceive(TagFailure)
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func withCode(msgs []Message, code Code) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Code == code {
			out = append(out, m)
		}
	}
	return out
}

func TestFailureDetectorMarksDeadPeer(t *testing.T) {
	n, net := makeTestingDetector(t, 3, 0, nil)
	n.election.setLeader(1, "")

	silence(n.failure, 1)
	n.failure.check(time.Now())

	if n.IsAlive(1) {
		t.Error("peer 1 should be dead")
	}
	if !n.IsAlive(2) {
		t.Error("peer 2 should be alive")
	}
	if n.failure.Isolated() {
		t.Error("node is not isolated")
	}
	// the leader died
	if n.ElectionState() != ElectionInProgress {
		t.Errorf("election state is %s", n.ElectionState())
	}

	// only failure detection traffic reaches a dead peer
	n.transport.Send(1, Message{Tag: TagConsensus, Code: CodePrepare, RoundID: 1})
	if _, _, ok := net.Transport(1).TryReceive(TagConsensus); ok {
		t.Error("consensus message reached a dead peer")
	}
	n.transport.Send(1, Message{Tag: TagFailure, Code: CodePing})
	if _, _, ok := net.Transport(1).TryReceive(TagFailure); !ok {
		t.Error("PING should reach a dead peer")
	}

	if got := testutil.ToFloat64(n.metrics.peersAlive); got != 1 {
		t.Errorf("peers alive = %f", got)
	}
}

func TestFailureDetectorPingKeepsPeerAlive(t *testing.T) {
	n, _ := makeTestingDetector(t, 2, 0, nil)
	silence(n.failure, 1)
	n.failure.HandleMessage(1, Message{Tag: TagFailure, Code: CodePing})
	n.failure.check(time.Now())
	if !n.IsAlive(1) {
		t.Error("peer 1 pinged and should be alive")
	}
}

func TestFailureDetectorIsolationStepsDown(t *testing.T) {
	n, net := makeTestingDetector(t, 3, 0, nil)
	n.election.setLeader(0, "")

	silence(n.failure, 1, 2)
	n.failure.check(time.Now())

	if !n.failure.Isolated() {
		t.Fatal("node should be isolated")
	}
	if n.LeaderNodeID() != -1 {
		t.Errorf("isolated node kept leader %d", n.LeaderNodeID())
	}
	if n.ElectionState() == ElectionInProgress {
		t.Error("no election without peers")
	}

	// rejoin
	recovered, err := newMessage(TagFailure, CodeRecovered, 5, recoveredPayload{NodeID: 0})
	if err != nil {
		t.Fatal(err)
	}
	n.failure.HandleMessage(2, recovered)
	if n.failure.Isolated() || !n.IsAlive(1) || !n.IsAlive(2) {
		t.Error("peers should be alive after rejoining")
	}
	waitElection(t, net, 1)
}

func TestFailureDetectorRecoveredPeer(t *testing.T) {
	n, _ := makeTestingDetector(t, 3, 0, nil)
	silence(n.failure, 1)
	n.failure.check(time.Now())

	recovered, err := newMessage(TagFailure, CodeRecovered, 5, recoveredPayload{NodeID: 1})
	if err != nil {
		t.Fatal(err)
	}
	n.failure.HandleMessage(2, recovered)
	if !n.IsAlive(1) {
		t.Error("peer 1 should be alive")
	}
}

func TestFailureDetectorStateReplacesLog(t *testing.T) {
	n, net := makeTestingDetector(t, 2, 0, nil)
	if err := n.store.Append("stale"); err != nil {
		t.Fatal(err)
	}

	snapshot := []byte("a\nb\n")
	state, err := newMessage(TagFailure, CodeState, 7, statePayload{State: snapshot})
	if err != nil {
		t.Fatal(err)
	}
	n.failure.HandleMessage(1, state)

	entries, err := n.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(entries, []string{"a", "b"}) {
		t.Errorf("log is %v", entries)
	}

	updated := withCode(drainFailure(net, 1), CodeStateUpdated)
	if len(updated) != 1 {
		t.Fatalf("expected one STATE_UPDATED, got %d", len(updated))
	}
	if updated[0].RoundID != 7 {
		t.Errorf("STATE_UPDATED for recovery %d", updated[0].RoundID)
	}
	var p stateUpdatedPayload
	if err := decodePayload(updated[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	want, _ := logDigest(snapshot)
	if !reflect.DeepEqual(p.Digest, want) {
		t.Error("digest does not match the snapshot")
	}
}

func TestFailureDetectorSingleFlightRecovery(t *testing.T) {
	n, net := makeTestingDetector(t, 4, 3, nil)
	n.election.setLeader(3, "")
	for _, v := range []string{"x", "y"} {
		if err := n.store.Append(v); err != nil {
			t.Fatal(err)
		}
	}
	f := n.failure

	// peers 0 and 1 die, 2 stays
	silence(f, 0, 1)
	f.check(time.Now())
	if n.IsAlive(0) || n.IsAlive(1) {
		t.Fatal("peers 0 and 1 should be dead")
	}

	// both come back
	f.HandleMessage(0, Message{Tag: TagFailure, Code: CodePing})
	f.HandleMessage(1, Message{Tag: TagFailure, Code: CodePing})
	f.check(time.Now())
	id := f.RecoveryInFlight()
	if id == -1 {
		t.Fatal("a recovery should be in flight")
	}
	f.check(time.Now())
	if f.RecoveryInFlight() != id {
		t.Fatal("a second recovery started")
	}

	var target int
	var state Message
	waitFor(t, 2*time.Second, "STATE", func() bool {
		for _, peer := range []int{0, 1} {
			if got := withCode(drainFailure(net, peer), CodeState); len(got) > 0 {
				target, state = peer, got[0]
				return true
			}
		}
		return false
	})
	if state.RoundID != id {
		t.Errorf("STATE for recovery %d, want %d", state.RoundID, id)
	}
	other := 1 - target
	if got := withCode(drainFailure(net, other), CodeState); len(got) != 0 {
		t.Errorf("peer %d got a STATE too", other)
	}

	// clients wait for the recovery to end
	admitted := make(chan struct{})
	go func() {
		f.DisallowRecovery()
		close(admitted)
	}()
	select {
	case <-admitted:
		t.Fatal("client admitted during recovery")
	case <-time.After(100 * time.Millisecond):
	}

	var sp statePayload
	if err := decodePayload(state.Payload, &sp); err != nil {
		t.Fatal(err)
	}
	digest, _ := logDigest(sp.State)
	updated, err := newMessage(TagFailure, CodeStateUpdated, id, stateUpdatedPayload{Digest: digest})
	if err != nil {
		t.Fatal(err)
	}
	f.HandleMessage(target, updated)

	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatal("client still blocked after recovery")
	}
	if !n.IsAlive(target) {
		t.Error("recovered peer should be alive")
	}
	recovered := withCode(drainFailure(net, 2), CodeRecovered)
	if len(recovered) != 1 {
		t.Fatalf("expected one RECOVERED, got %d", len(recovered))
	}
	waitFor(t, time.Second, "recovery to clear", func() bool {
		return f.RecoveryInFlight() == -1
	})

	// no recovery while a client operation runs
	f.HandleMessage(other, Message{Tag: TagFailure, Code: CodePing})
	f.check(time.Now())
	if f.RecoveryInFlight() != -1 {
		t.Fatal("recovery started during a client operation")
	}

	// the held back recovery goes before any new operation
	queued := make(chan struct{})
	go func() {
		f.DisallowRecovery()
		close(queued)
	}()
	select {
	case <-queued:
		t.Fatal("client admitted ahead of a waiting recovery")
	case <-time.After(100 * time.Millisecond):
	}
	f.AllowRecovery()
	f.check(time.Now())
	if f.RecoveryInFlight() == -1 {
		t.Fatalf("peer %d should be recovering now", other)
	}
	select {
	case <-queued:
	case <-time.After(5 * time.Second):
		t.Fatal("client still blocked after the recovery timed out")
	}
	f.AllowRecovery()
	if got := testutil.ToFloat64(n.metrics.recoveries.WithLabelValues("done")); got != 1 {
		t.Errorf("done recoveries = %f", got)
	}
}

func TestFailureDetectorRecoveryTimeout(t *testing.T) {
	n, net := makeTestingDetector(t, 3, 2, func(cfg *Config) {
		cfg.RecoveryWait = 200 * time.Millisecond
	})
	n.election.setLeader(2, "")
	f := n.failure

	silence(f, 0)
	f.check(time.Now())
	f.HandleMessage(0, Message{Tag: TagFailure, Code: CodePing})
	f.check(time.Now())
	id := f.RecoveryInFlight()
	if id == -1 {
		t.Fatal("a recovery should be in flight")
	}

	// a wrong digest does not complete it
	updated, err := newMessage(TagFailure, CodeStateUpdated, id, stateUpdatedPayload{Digest: []byte("nope")})
	if err != nil {
		t.Fatal(err)
	}
	f.HandleMessage(0, updated)
	if n.IsAlive(0) {
		t.Error("peer 0 recovered with a wrong digest")
	}

	waitFor(t, 2*time.Second, "recovery timeout", func() bool {
		return f.RecoveryInFlight() == -1
	})
	if n.IsAlive(0) {
		t.Error("peer 0 should still be dead")
	}
	if got := testutil.ToFloat64(n.metrics.recoveries.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timed out recoveries = %f", got)
	}
	if len(withCode(drainFailure(net, 1), CodeRecovered)) != 0 {
		t.Error("RECOVERED sent for a failed recovery")
	}
}
