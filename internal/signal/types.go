// Package signal connects learners on Signal to the tutor. It drives a
// signal-cli subprocess in JSON-RPC mode, answers inbound direct
// messages through the tutor and delivers scheduled lessons.
package signal

// Envelope is the top-level structure pushed by signal-cli for each
// received event. At most one of the message fields is set.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceName   string `json:"sourceName"`
	SourceDevice int    `json:"sourceDevice"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
}

// sentAt returns the data message timestamp, falling back to the
// envelope's.
func (e *Envelope) sentAt() int64 {
	if e.DataMessage != nil && e.DataMessage.Timestamp != 0 {
		return e.DataMessage.Timestamp
	}
	return e.Timestamp
}

// DataMessage is a normal text message.
type DataMessage struct {
	Timestamp        int64      `json:"timestamp"`
	Message          string     `json:"message"`
	ExpiresInSeconds int        `json:"expiresInSeconds"`
	GroupInfo        *GroupInfo `json:"groupInfo,omitempty"`
}

// GroupInfo identifies the group a message was sent to.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

// TypingMessage indicates that a contact started or stopped typing.
type TypingMessage struct {
	Action    string `json:"action"` // "STARTED" or "STOPPED"
	Timestamp int64  `json:"timestamp"`
}

// ReceiptMessage is a delivery, read, or viewed receipt.
type ReceiptMessage struct {
	When       int64   `json:"when"`
	Type       string  `json:"type"` // "DELIVERY", "READ", "VIEWED"
	Timestamps []int64 `json:"timestamps"`
}

// receiveNotification is the params payload of a "receive" notification.
type receiveNotification struct {
	Envelope Envelope `json:"envelope"`
}

// sendResult is the response payload from a successful "send" call.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}
