package replog

import (
	"errors"
	"strings"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
)

// ServerName is the directory name under which the client address of the
// leader is published.
const ServerName = "server"

// ErrNotPublished is returned by Lookup for names nobody published.
var ErrNotPublished = errors.New("name not published")

// Directory maps service names to the addresses they listen on. Every node
// keeps one: the leader publishes its client address when it starts serving
// and followers record the address announced in VICTORY.
type Directory struct {
	store datastore.Datastore
}

// NewDirectory returns a directory kept in memory.
func NewDirectory() *Directory {
	return NewDirectoryWithStore(dssync.MutexWrap(datastore.NewMapDatastore()))
}

// NewDirectoryWithStore returns a directory kept in the given datastore,
// which must be safe for concurrent use.
func NewDirectoryWithStore(store datastore.Datastore) *Directory {
	return &Directory{store: store}
}

func directoryKey(name string) datastore.Key {
	return datastore.NewKey(name)
}

// Publish records addr under name, replacing any previous address.
func (d *Directory) Publish(name, addr string) error {
	return d.store.Put(directoryKey(name), []byte(addr))
}

// Unpublish removes name. Removing a name that is not published is not an
// error.
func (d *Directory) Unpublish(name string) error {
	err := d.store.Delete(directoryKey(name))
	if err == datastore.ErrNotFound {
		return nil
	}
	return err
}

// Lookup returns the address published under name.
func (d *Directory) Lookup(name string) (string, error) {
	v, err := d.store.Get(directoryKey(name))
	if err == datastore.ErrNotFound {
		return "", ErrNotPublished
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// List returns every published name and its address.
func (d *Directory) List() (map[string]string, error) {
	results, err := d.store.Query(query.Query{})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	entries, err := results.Rest()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[strings.TrimPrefix(e.Key, "/")] = string(e.Value)
	}
	return out, nil
}

// Close releases the underlying datastore.
func (d *Directory) Close() error {
	return d.store.Close()
}
