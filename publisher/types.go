package publisher

import (
	"time"

	"github.com/maxpert/batchapply/event"
)

// Notification is the message published for each committed watermark
type Notification struct {
	Service    string `msgpack:"svc"`   // Service that committed
	Seqno      int64  `msgpack:"seq"`   // Last committed seqno
	Epoch      int64  `msgpack:"epoch"` // Epoch of that seqno
	CommitTS   int64  `msgpack:"ts"`    // Source commit timestamp (unix ms)
	NotifiedAt int64  `msgpack:"at"`    // When the notification was built (unix ms)
}

// NewNotification builds the notification for h
func NewNotification(service string, h event.Header) Notification {
	n := Notification{
		Service:    service,
		Seqno:      h.Seqno,
		Epoch:      h.Epoch,
		NotifiedAt: time.Now().UnixMilli(),
	}
	if !h.CommitTime.IsZero() {
		n.CommitTS = h.CommitTime.UnixMilli()
	}
	return n
}

// Sink represents a destination for notifications (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}
