package replog

import (
	"testing"
	"time"
)

// Create a lone election manager for node id of a network of size nodes.
func makeTestingElection(t *testing.T, id, size int) (*ElectionManager, *Network) {
	t.Helper()
	net := NewNetwork(size)
	e := NewElectionManager(testingConfig(id, t.TempDir()), net.Transport(id), nil)
	t.Cleanup(e.Stop)
	return e, net
}

func TestElectionHighestNodeWins(t *testing.T) {
	_, nodes := makeTestingCluster(t, 4, nil)
	nodes[0].StartElection()
	waitLeader(t, nodes, 3)
	if !nodes[3].IsLeader() {
		t.Error("node 3 should be leader")
	}
	for _, n := range nodes[:3] {
		if n.IsLeader() {
			t.Errorf("node %d thinks it is leader", n.ID())
		}
	}
}

func TestElectionHighestNodeAloneWins(t *testing.T) {
	e, net := makeTestingElection(t, 2, 3)
	e.StartElection()
	if e.State() != ElectionInProgress {
		t.Errorf("state is %s", e.State())
	}
	waitFor(t, 2*time.Second, "victory", e.IsLeader)

	// the others are told
	for _, id := range []int{0, 1} {
		_, msg, ok := net.Transport(id).TryReceive(TagElection)
		if !ok || msg.Code != CodeVictory {
			t.Errorf("node %d got no VICTORY", id)
		}
	}
}

func electionSamples(t *testing.T, m *Metrics) uint64 {
	t.Helper()
	mfs, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "replog_election_duration_seconds" {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestElectionRecordsDuration(t *testing.T) {
	net := NewNetwork(3)
	m := NewMetrics(2)
	e := NewElectionManager(testingConfig(2, t.TempDir()), net.Transport(2), m)
	t.Cleanup(e.Stop)

	e.StartElection()
	waitFor(t, 2*time.Second, "election to end", func() bool {
		return electionSamples(t, m) == 1
	})
	if !e.IsLeader() {
		t.Error("node 2 should have won")
	}
}

func TestElectionAnswersLowerNodes(t *testing.T) {
	e, net := makeTestingElection(t, 1, 3)
	e.HandleMessage(0, Message{Tag: TagElection, Code: CodeElection})

	_, msg, ok := net.Transport(0).TryReceive(TagElection)
	if !ok || msg.Code != CodeAlive {
		t.Fatal("node 0 should get ALIVE")
	}
	// and an election of its own is running
	if e.State() != ElectionInProgress {
		t.Errorf("state is %s", e.State())
	}
	waitElection(t, net, 2)

	// ELECTION from a higher node is not answered
	e.HandleMessage(2, Message{Tag: TagElection, Code: CodeElection})
	if _, msg, ok := net.Transport(2).TryReceive(TagElection); ok && msg.Code == CodeAlive {
		t.Error("ALIVE sent to a higher node")
	}
}

// waitElection waits until node id receives an ELECTION message.
func waitElection(t *testing.T, net *Network, id int) {
	t.Helper()
	waitFor(t, 2*time.Second, "ELECTION", func() bool {
		for {
			_, msg, ok := net.Transport(id).TryReceive(TagElection)
			if !ok {
				return false
			}
			if msg.Code == CodeElection {
				return true
			}
		}
	})
}

func TestElectionWaitsForVictoryAfterAlive(t *testing.T) {
	e, net := makeTestingElection(t, 0, 2)
	e.StartElection()
	waitElection(t, net, 1)
	e.HandleMessage(1, Message{Tag: TagElection, Code: CodeAlive})

	// past ElectionWait, node 0 must not have declared itself
	time.Sleep(2 * e.cfg.ElectionWait)
	if e.LeaderNodeID() != -1 {
		t.Fatalf("leader is %d", e.LeaderNodeID())
	}

	victory, err := newMessage(TagElection, CodeVictory, 0, victoryPayload{ClientAddr: "/ip4/127.0.0.1/tcp/1"})
	if err != nil {
		t.Fatal(err)
	}
	e.HandleMessage(1, victory)
	if e.LeaderNodeID() != 1 {
		t.Fatalf("leader is %d", e.LeaderNodeID())
	}
	waitFor(t, time.Second, "election to end", func() bool {
		return e.State() == LeaderKnown
	})
}

func TestElectionRestartsWithoutVictory(t *testing.T) {
	e, net := makeTestingElection(t, 0, 2)
	e.cfg.VictoryWait = 100 * time.Millisecond
	e.StartElection()
	waitElection(t, net, 1)
	e.HandleMessage(1, Message{Tag: TagElection, Code: CodeAlive})

	// no VICTORY within VictoryWait: the election starts over
	waitElection(t, net, 1)
}

func TestElectionVictoryOverridesLeader(t *testing.T) {
	e, _ := makeTestingElection(t, 2, 3)
	changes := make(chan int, 4)
	e.onChange = func(leader int, addr string) { changes <- leader }

	for _, src := range []int{1, 0} {
		victory, err := newMessage(TagElection, CodeVictory, 0, victoryPayload{})
		if err != nil {
			t.Fatal(err)
		}
		e.HandleMessage(src, victory)
		if e.LeaderNodeID() != src {
			t.Errorf("leader is %d, want %d", e.LeaderNodeID(), src)
		}
		if got := <-changes; got != src {
			t.Errorf("change to %d, want %d", got, src)
		}
	}
}

func TestElectionIsolatedNodeDoesNotWin(t *testing.T) {
	e, _ := makeTestingElection(t, 1, 2)
	e.canLead = func() bool { return false }
	e.StartElection()
	waitFor(t, 2*time.Second, "election to end", func() bool {
		return e.State() != ElectionInProgress
	})
	if e.LeaderNodeID() != -1 {
		t.Errorf("isolated node became leader %d", e.LeaderNodeID())
	}
}

func TestElectionStepDown(t *testing.T) {
	e, _ := makeTestingElection(t, 1, 2)
	e.setLeader(1, "")
	e.stepDown()
	if e.LeaderNodeID() != -1 || e.State() != Idle {
		t.Errorf("leader %d state %s after step down", e.LeaderNodeID(), e.State())
	}
}
