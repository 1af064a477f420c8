package wsbroker

import "time"

const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
	opMessage     = "message"
)

// frame is the JSON text message exchanged between brokers and the hub.
type frame struct {
	Op        string    `json:"op"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
