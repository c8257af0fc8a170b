package docsync

import (
	"encoding/binary"
)

// Server to client packets are binary frames starting with a one byte tag.
// CHANGE frames carry a 4-byte big-endian length so that several CHANGE
// blocks can travel concatenated inside one websocket message and still be
// split apart by the receiver.
const (
	// TagChange marks a change record frame.
	TagChange byte = 1
	// TagBacklogComplete marks the end of the historical change log.
	TagBacklogComplete byte = 2
)

// AppendChangeFrame appends one CHANGE frame for change to buf.
func AppendChangeFrame(buf, change []byte) []byte {
	buf = append(buf, TagChange)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(change)))
	return append(buf, change...)
}

// ChangeFrame encodes a single CHANGE frame.
func ChangeFrame(change []byte) []byte {
	return AppendChangeFrame(make([]byte, 0, 5+len(change)), change)
}

// BacklogCompleteFrame encodes a BACKLOG_COMPLETE frame.
func BacklogCompleteFrame() []byte {
	return []byte{TagBacklogComplete}
}

// Frame is one decoded server to client packet.
type Frame struct {
	Tag    byte
	Change []byte
}

// DecodeFrames splits a websocket message into frames. Used by clients and
// tests; the server only encodes.
func DecodeFrames(message []byte) (frames []Frame, err error) {
	for len(message) > 0 {
		tag := message[0]
		message = message[1:]
		switch tag {
		case TagChange:
			if len(message) < 4 {
				return nil, Error.New("truncated change length")
			}
			size := binary.BigEndian.Uint32(message[:4])
			message = message[4:]
			if uint32(len(message)) < size {
				return nil, Error.New("truncated change payload")
			}
			frames = append(frames, Frame{Tag: tag, Change: message[:size]})
			message = message[size:]
		case TagBacklogComplete:
			frames = append(frames, Frame{Tag: tag})
		default:
			return nil, Error.New("unknown frame tag %d", tag)
		}
	}
	return frames, nil
}
