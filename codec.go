package replog

import (
	"github.com/ugorji/go/codec"
)

var msgpackHandle = &codec.MsgpackHandle{}

// wireFrame is what travels on a stream: the sender id and the message.
type wireFrame struct {
	From int
	Msg  Message
}

// encodePayload serializes a payload record
func encodePayload(p interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf, nil
}

// decodePayload deserializes a payload record into p, which must be a
// pointer.
func decodePayload(bs []byte, p interface{}) error {
	dec := codec.NewDecoderBytes(bs, msgpackHandle)
	return dec.Decode(p)
}

// encodeFrame serializes a full frame. Used by tests and by transports that
// need the raw bytes.
func encodeFrame(f wireFrame) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeFrame(bs []byte) (wireFrame, error) {
	var f wireFrame
	dec := codec.NewDecoderBytes(bs, msgpackHandle)
	err := dec.Decode(&f)
	return f, err
}
