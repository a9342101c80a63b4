package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Wire frame types for the websocket push channel.
const (
	FrameConnAck = "conn_ack"
	FrameSub     = "sub"
	FrameUnsub   = "unsub"
	FrameMsg     = "msg"
	FrameConv    = "conv"
	FrameErr     = "err"
)

// WSFrame is the JSON envelope exchanged with the push gateway. A frame
// carries at most one payload; unknown types are ignored by the reader.
type WSFrame struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        *Message `json:"message,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
	Error          string   `json:"error,omitempty"`
}

func EncodeFrame(f *WSFrame) ([]byte, error) {
	if f == nil {
		return nil, errors.New("encode frame: nil frame")
	}
	return json.Marshal(f)
}

func DecodeFrame(data []byte) (*WSFrame, error) {
	if len(data) == 0 {
		return nil, errors.New("decode frame: empty data")
	}
	var f WSFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	return &f, nil
}
