package replog

import "fmt"

// Tag selects the component a message is routed to.
type Tag int

// Message tags. Every tag has its own receive loop.
const (
	TagElection Tag = iota
	TagConsensus
	TagRepl
	TagFailure
	TagClient

	numTags = int(TagClient) + 1
)

func (t Tag) String() string {
	switch t {
	case TagElection:
		return "election"
	case TagConsensus:
		return "consensus"
	case TagRepl:
		return "repl"
	case TagFailure:
		return "failure"
	case TagClient:
		return "client"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// Code is an action within a tag. Code 0 is reserved by every tag to shut
// its receive loop down.
type Code int

// CodeShutdown unblocks and stops a receive loop.
const CodeShutdown Code = 0

// Election codes.
const (
	CodeElection Code = iota + 1
	CodeAlive
	CodeVictory
)

// Consensus codes.
const (
	CodePrepare Code = iota + 1
	CodePromise
	CodePropose
	CodeAccept
	CodeAccepted
)

// Failure detection codes.
const (
	CodePing Code = iota + 1
	CodeState
	CodeStateUpdated
	CodeRecovered
)

// Client codes.
const (
	CodePort Code = iota + 1
	CodeConnect
	CodeDisconnect
	CodeReplicate
	CodeSuccess
)

// Test harness codes.
const (
	CodeStart Code = iota + 1
	CodeSpeedLow
	CodeSpeedMedium
	CodeSpeedHigh
	CodeCrash
	CodeRecover
)

// Message is the unit exchanged between nodes. Payload is an encoded
// payload record (see codec.go) or empty.
type Message struct {
	Tag     Tag
	Code    Code
	RoundID int64
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s/%d round=%d len=%d", m.Tag, m.Code, m.RoundID, len(m.Payload))
}

// newMessage builds a message and encodes the given payload, if any.
func newMessage(tag Tag, code Code, roundID int64, payload interface{}) (Message, error) {
	msg := Message{Tag: tag, Code: code, RoundID: roundID}
	if payload == nil {
		return msg, nil
	}
	bs, err := encodePayload(payload)
	if err != nil {
		return msg, err
	}
	msg.Payload = bs
	return msg, nil
}

// payload records. Round and recovery ids travel in Message.RoundID.

type promisePayload struct {
	HasAccepted   bool
	AcceptedID    int64
	AcceptedValue string
}

// valuePayload carries the value of PROPOSE, ACCEPTED and REPLICATE.
type valuePayload struct {
	Value string
}

type victoryPayload struct {
	ClientAddr string
}

type statePayload struct {
	State []byte
}

type stateUpdatedPayload struct {
	Digest []byte
}

type recoveredPayload struct {
	NodeID int
}

type portPayload struct {
	Addr string
}
