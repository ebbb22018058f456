package events

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding selects the payload format for external sinks.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

func (e Encoding) Valid() bool {
	return e == EncodingJSON || e == EncodingMsgpack
}

func Encode(ev Event, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingJSON, "":
		return json.Marshal(ev)
	case EncodingMsgpack:
		return msgpack.Marshal(ev)
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

func Decode(data []byte, enc Encoding) (Event, error) {
	var ev Event
	var err error
	switch enc {
	case EncodingJSON, "":
		err = json.Unmarshal(data, &ev)
	case EncodingMsgpack:
		err = msgpack.Unmarshal(data, &ev)
	default:
		err = fmt.Errorf("unknown encoding %q", enc)
	}
	return ev, err
}
