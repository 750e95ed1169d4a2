// Package replog implements a small replicated log cluster on top of libp2p.
// A fixed set of nodes agrees on every client value with single-decree Paxos,
// keeps one leader designated with the Bully algorithm and detects peer
// failures with all-to-all heartbeats, pushing the leader's log to peers that
// come back.
package replog

import (
	logging "github.com/ipfs/go-log/v2"
)

var (
	logger = logging.Logger("replog")
)
