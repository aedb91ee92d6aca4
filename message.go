package amqp

// MessageProperties mirrors the AMQP properties section fields an
// application commonly sets.
type MessageProperties struct {
	MessageID     any
	To            string
	Subject       string
	ReplyTo       string
	CorrelationID any
	ContentType   string
	GroupID       string
}

// Message is the application-facing payload handed to Sender.Send and
// returned from Receiver.Receive. Its wire representation is produced
// and consumed entirely by the external Engine: this type carries no
// Marshal/Unmarshal of its own.
type Message struct {
	// Format is the AMQP message-format; 0 for the standard format.
	Format uint32

	// DeliveryTag, if set, overrides the sender's auto-assigned tag.
	// Leave nil/empty to let Sender assign the next monotonic tag.
	DeliveryTag []byte

	// SendSettled requests settled delivery when the negotiated
	// sender-settle-mode is Mixed.
	SendSettled bool

	Properties             *MessageProperties
	ApplicationProperties  map[string]any
	Annotations            map[string]any
	Data                   [][]byte
	Value                  any
}

// NewMessage builds a single-section data Message, the common case used
// throughout this module's tests and examples.
func NewMessage(data []byte) *Message {
	return &Message{Data: [][]byte{data}}
}
