package replog

import (
	"testing"
	"time"
)

func TestParseReplCommand(t *testing.T) {
	for cmd, want := range map[string]Code{
		"start":        CodeStart,
		" Crash ":      CodeCrash,
		"recover":      CodeRecover,
		"speed-medium": CodeSpeedMedium,
		"shutdown":     CodeShutdown,
	} {
		code, err := ParseReplCommand(cmd)
		if err != nil {
			t.Fatal(err)
		}
		if code != want {
			t.Errorf("%q parsed as %d", cmd, code)
		}
	}
	if _, err := ParseReplCommand("reboot"); err == nil {
		t.Error("unknown command accepted")
	}
}

func TestReplManager(t *testing.T) {
	e, net := makeTestingElection(t, 0, 2)
	tr := net.Transport(0)
	cfg := testingConfig(0, t.TempDir())
	reg := NewRegistry(tr)
	r := NewReplManager(cfg, tr, reg, e)

	r.HandleMessage(1, Message{Tag: TagRepl, Code: CodeSpeedLow})
	if d := reg.currentDelay(); d != cfg.SpeedLow {
		t.Errorf("delay is %s", d)
	}
	r.HandleMessage(1, Message{Tag: TagRepl, Code: CodeSpeedHigh})
	if d := reg.currentDelay(); d != cfg.SpeedHigh {
		t.Errorf("delay is %s", d)
	}

	r.HandleMessage(1, Message{Tag: TagRepl, Code: CodeCrash})
	if tr.admit(1, TagConsensus) || tr.admit(1, TagFailure) {
		t.Error("crashed node admits traffic")
	}
	if !tr.admit(1, TagRepl) {
		t.Error("crashed node must still take harness messages")
	}
	r.HandleMessage(1, Message{Tag: TagRepl, Code: CodeRecover})
	if !tr.admit(1, TagConsensus) {
		t.Error("recovered node drops traffic")
	}

	r.HandleMessage(1, Message{Tag: TagRepl, Code: CodeStart})
	waitElection(t, net, 1)
}

func TestReplCrashAndRecoverNode(t *testing.T) {
	_, nodes := makeTestingCluster(t, 3, nil)
	nodes[0].StartElection()
	waitLeader(t, nodes, 2)

	if err := nodes[0].SendHarness(1, CodeCrash); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "node 1 declared dead", func() bool {
		return !nodes[0].IsAlive(1) && !nodes[2].IsAlive(1)
	})

	if err := nodes[0].SendHarness(1, CodeRecover); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "node 1 back", func() bool {
		return nodes[0].IsAlive(1) && nodes[2].IsAlive(1)
	})
	waitLeader(t, nodes, 2)
}
