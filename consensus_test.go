package replog

import (
	"reflect"
	"testing"
)

// TestNewOpLog sees that a new OpLog object works as expected
func TestNewOpLog(t *testing.T) {
	opLog := NewOpLog(makeTestingFSM(t))

	st, err := opLog.GetCurrentState()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(st, LogState{Entries: []string{}}) {
		t.Errorf("new log is %v", st)
	}

	st, err = opLog.CommitOp(AppendOp{Value: "x"})
	if st != nil || err == nil {
		t.Error("CommitOp() should error if no actor is set")
	}
}

func TestAppendOpApplyTo(t *testing.T) {
	base := LogState{Entries: []string{"a"}}
	st, err := AppendOp{Value: "b"}.ApplyTo(base)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(st, LogState{Entries: []string{"a", "b"}}) {
		t.Errorf("state is %v", st)
	}
	if len(base.Entries) != 1 {
		t.Error("ApplyTo modified its input")
	}

	st, err = AppendOp{Value: "a"}.ApplyTo(nil)
	if err != nil || !reflect.DeepEqual(st, LogState{Entries: []string{"a"}}) {
		t.Errorf("ApplyTo(nil) = %v, %v", st, err)
	}
	if _, err := (AppendOp{}).ApplyTo("nope"); err == nil {
		t.Error("foreign state accepted")
	}
}

func TestOpLogRollback(t *testing.T) {
	opLog := NewOpLog(makeTestingFSM(t))
	if err := opLog.Rollback(LogState{Entries: []string{"r1", "r2"}}); err != nil {
		t.Fatal(err)
	}
	st, err := opLog.GetLogHead()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(st, LogState{Entries: []string{"r1", "r2"}}) {
		t.Errorf("log is %v", st)
	}
	if err := opLog.Rollback(LogState{Entries: []string{"a\nb"}}); err != ErrInvalidValue {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestOpLogCommitState(t *testing.T) {
	_, nodes := makeTestingCluster(t, 3, nil)
	nodes[0].StartElection()
	waitLeader(t, nodes, 2)

	opLog := nodes[2].OpLog()
	if _, err := opLog.CommitOp(AppendOp{Value: "a"}); err != nil {
		t.Fatal(err)
	}
	st, err := opLog.CommitState(LogState{Entries: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(st, LogState{Entries: want}) {
		t.Errorf("state is %v", st)
	}
	waitLogs(t, nodes, want)

	if _, err := opLog.CommitState(LogState{Entries: []string{"z"}}); err != ErrDiverged {
		t.Errorf("expected ErrDiverged, got %v", err)
	}

	// followers cannot commit
	if _, err := nodes[0].OpLog().CommitOp(AppendOp{Value: "d"}); err != ErrNotLeader {
		t.Errorf("expected ErrNotLeader, got %v", err)
	}
}
