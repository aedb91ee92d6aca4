// Package frames is the shared performative and delivery-state vocabulary
// spoken between this module's core (Connection/Session/Link) and the
// pluggable protocol Engine that produces and consumes AMQP 1.0 frames.
//
// It deliberately contains no marshal/unmarshal logic: the byte-level
// codec is an external collaborator the core consumes, not a component
// this module implements (see the engine package). These types exist so
// the core and a concrete Engine implementation can agree on a common
// in-memory representation of the performatives.
package frames

import "fmt"

// Role identifies a link endpoint's local role.
type Role bool

const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// SenderSettleMode is the sender-settle-mode negotiated on attach.
type SenderSettleMode uint8

const (
	SenderSettleModeUnsettled SenderSettleMode = 0
	SenderSettleModeSettled   SenderSettleMode = 1
	SenderSettleModeMixed     SenderSettleMode = 2
)

func (m SenderSettleMode) String() string {
	switch m {
	case SenderSettleModeUnsettled:
		return "unsettled"
	case SenderSettleModeSettled:
		return "settled"
	case SenderSettleModeMixed:
		return "mixed"
	default:
		return fmt.Sprintf("SenderSettleMode(%d)", uint8(m))
	}
}

// ReceiverSettleMode is the receiver-settle-mode negotiated on attach.
type ReceiverSettleMode uint8

const (
	ReceiverSettleModeFirst  ReceiverSettleMode = 0
	ReceiverSettleModeSecond ReceiverSettleMode = 1
)

func (m ReceiverSettleMode) String() string {
	switch m {
	case ReceiverSettleModeFirst:
		return "first"
	case ReceiverSettleModeSecond:
		return "second"
	default:
		return fmt.Sprintf("ReceiverSettleMode(%d)", uint8(m))
	}
}

// FrameBody adds type safety to the set of performatives the core and the
// engine exchange.
type FrameBody interface {
	frameBody()
}

// Error is the AMQP error/condition record, carried on Detach/End/Close
// and on rejecting Dispositions.
type Error struct {
	Condition   string
	Description string
	Info        map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Condition, e.Description)
	}
	return e.Condition
}

// Source describes a link's source terminus.
type Source struct {
	Address      string
	Durable      uint32
	ExpiryPolicy string
	Timeout      uint32
	Dynamic      bool
	DynamicNodeProperties map[string]any
	DistributionMode      string
	Filter                map[string]any
	DefaultOutcome        any
	Outcomes              []string
	Capabilities          []string
}

// Target describes a link's target terminus.
type Target struct {
	Address      string
	Durable      uint32
	ExpiryPolicy string
	Timeout      uint32
	Dynamic      bool
	DynamicNodeProperties map[string]any
	Capabilities          []string
}

// Coordinator is the special target naming a link as a transaction
// coordinator link.
type Coordinator struct {
	Capabilities []string
}

// PerformOpen is the connection Open performative.
type PerformOpen struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32
	ChannelMax          uint16
	IdleTimeout         uint32
	OfferedCapabilities []string
	DesiredCapabilities []string
	Properties          map[string]any
}

func (*PerformOpen) frameBody() {}

// PerformBegin is the session Begin performative.
type PerformBegin struct {
	RemoteChannel       *uint16
	NextOutgoingID      uint32
	IncomingWindow      uint32
	OutgoingWindow      uint32
	HandleMax           uint32
	OfferedCapabilities []string
	DesiredCapabilities []string
	Properties          map[string]any
}

func (*PerformBegin) frameBody() {}

// PerformAttach is the link Attach performative.
type PerformAttach struct {
	Name               string
	Handle             uint32
	Role               Role
	SenderSettleMode   *SenderSettleMode
	ReceiverSettleMode *ReceiverSettleMode
	Source             *Source
	Target             *Target
	// CoordinatorTarget is set instead of Target when this attach
	// establishes a transaction coordinator link.
	CoordinatorTarget  *Coordinator
	Unsettled          map[string]any
	IncompleteUnsettled bool
	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	OfferedCapabilities  []string
	DesiredCapabilities  []string
	Properties           map[string]any
}

func (*PerformAttach) frameBody() {}

// PerformFlow is the Flow performative, used for both session- and
// link-level flow control.
type PerformFlow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[string]any
}

func (*PerformFlow) frameBody() {}

// PerformTransfer is the Transfer performative.
type PerformTransfer struct {
	Handle        uint32
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	More          bool
	ReceiverSettleMode *ReceiverSettleMode
	State              any
	Resume             bool
	Aborted            bool
	Batchable          bool

	// Payload is the opaque message body handed to the external Engine
	// for encoding: a *Message for ordinary transfers, or a *Declare/
	// *Discharge for a transaction coordinator's control transfers.
	Payload any

	// Done is an optional completion channel. This module's core never
	// sets or closes it (it is nil on every Transfer the Sender emits);
	// settlement is reported through the Sender's Tracker instead.
	Done chan any
}

func (*PerformTransfer) frameBody() {}

// PerformDisposition is the Disposition performative.
type PerformDisposition struct {
	Role    Role
	First   uint32
	Last    uint32
	Settled bool
	State   any
	Batchable bool
}

func (*PerformDisposition) frameBody() {}

// PerformDetach is the link Detach performative.
type PerformDetach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

func (*PerformDetach) frameBody() {}

// PerformEnd is the session End performative.
type PerformEnd struct {
	Error *Error
}

func (*PerformEnd) frameBody() {}

// PerformClose is the connection Close performative.
type PerformClose struct {
	Error *Error
}

func (*PerformClose) frameBody() {}

// Declare is the transactional-work Declare message body, sent over a
// coordinator link to start a new transaction.
type Declare struct {
	GlobalID any
}

// Discharge is the transactional-work Discharge message body.
type Discharge struct {
	TransactionID []byte
	Fail          bool
}
