package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	MessageScheduleNotification = "SCHEDULE_NOTIFICATION"
	MessageSkipWaiting          = "SKIP_WAITING"
)

var ErrUnknownMessage = errors.New("unknown control message")

// ControlMessage is sent by the client to steer the agent. Delay is in
// milliseconds.
type ControlMessage struct {
	Type         string          `json:"type"`
	Notification json.RawMessage `json:"notification,omitempty"`
	Delay        int64           `json:"delay,omitempty"`
}

func DecodeControlMessage(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("decode control message: %w", err)
	}
	switch msg.Type {
	case MessageScheduleNotification, MessageSkipWaiting:
		return msg, nil
	default:
		return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// maxDelayMillis is the longest delay a time.Duration can hold.
const maxDelayMillis = math.MaxInt64 / int64(time.Millisecond)

func (m ControlMessage) delay() time.Duration {
	if m.Delay <= 0 {
		return 0
	}
	if m.Delay > maxDelayMillis {
		return time.Duration(maxDelayMillis) * time.Millisecond
	}
	return time.Duration(m.Delay) * time.Millisecond
}
