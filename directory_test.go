package replog

import (
	"reflect"
	"testing"
)

func TestDirectory(t *testing.T) {
	d := NewDirectory()
	defer d.Close()

	if _, err := d.Lookup(ServerName); err != ErrNotPublished {
		t.Errorf("expected ErrNotPublished, got %v", err)
	}
	if err := d.Publish(ServerName, "/ip4/127.0.0.1/tcp/9000"); err != nil {
		t.Fatal(err)
	}
	if err := d.Publish(ServerName, "/ip4/127.0.0.1/tcp/9001"); err != nil {
		t.Fatal(err)
	}
	d.Publish("admin", "/ip4/127.0.0.1/tcp/9100")

	addr, err := d.Lookup(ServerName)
	if err != nil {
		t.Fatal(err)
	}
	if addr != "/ip4/127.0.0.1/tcp/9001" {
		t.Errorf("lookup returned %s", addr)
	}

	all, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		ServerName: "/ip4/127.0.0.1/tcp/9001",
		"admin":    "/ip4/127.0.0.1/tcp/9100",
	}
	if !reflect.DeepEqual(all, want) {
		t.Errorf("list is %v", all)
	}

	if err := d.Unpublish(ServerName); err != nil {
		t.Fatal(err)
	}
	if err := d.Unpublish(ServerName); err != nil {
		t.Error("unpublishing twice should not fail")
	}
	if _, err := d.Lookup(ServerName); err != ErrNotPublished {
		t.Errorf("expected ErrNotPublished, got %v", err)
	}
}
