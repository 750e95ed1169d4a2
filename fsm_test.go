package replog

import (
	"bytes"
	"io/ioutil"
	"reflect"
	"testing"

	"github.com/hashicorp/raft"
)

func makeTestingFSM(t *testing.T) *FSM {
	t.Helper()
	store, err := NewFileLogStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return NewFSM(store)
}

func TestFSMApply(t *testing.T) {
	fsm := makeTestingFSM(t)
	updates := fsm.subscribe()
	defer fsm.unsubscribe()

	for i, v := range []string{"one", "two"} {
		if res := fsm.Apply(&raft.Log{Index: uint64(i), Type: raft.LogCommand, Data: []byte(v)}); res != nil {
			t.Fatal(res)
		}
		<-updates
	}
	res := fsm.Apply(&raft.Log{Data: []byte("bad\nvalue")})
	if err, ok := res.(error); !ok || err != ErrInvalidValue {
		t.Errorf("expected ErrInvalidValue, got %v", res)
	}

	entries, err := fsm.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(entries, []string{"one", "two"}) {
		t.Errorf("log is %v", entries)
	}
}

func TestFSMSnapshotRestore(t *testing.T) {
	fsm1 := makeTestingFSM(t)
	fsm2 := makeTestingFSM(t)
	for _, v := range []string{"a", "b", "c"} {
		fsm1.Apply(&raft.Log{Data: []byte(v)})
	}
	fsm2.Apply(&raft.Log{Data: []byte("stale")})

	snap, err := fsm1.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	sink := &bufferSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatal(err)
	}
	snap.Release()

	if err := fsm2.Restore(ioutil.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatal(err)
	}
	e1, _ := fsm1.Entries()
	e2, _ := fsm2.Entries()
	if !reflect.DeepEqual(e1, e2) {
		t.Errorf("restored log %v differs from %v", e2, e1)
	}

	b1, _ := fsm1.snapshotBytes()
	b2, _ := fsm2.snapshotBytes()
	d1, err := logDigest(b1)
	if err != nil {
		t.Fatal(err)
	}
	d2, _ := logDigest(b2)
	if !bytes.Equal(d1, d2) {
		t.Error("digests differ for the same log")
	}

	fsm2.Apply(&raft.Log{Data: []byte("d")})
	b2, _ = fsm2.snapshotBytes()
	d2, _ = logDigest(b2)
	if bytes.Equal(d1, d2) {
		t.Error("digests equal for different logs")
	}
}
