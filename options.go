package amqp

import (
	"time"

	"github.com/tabish121/proton-go/internal/engine"
	"github.com/tabish121/proton-go/internal/frames"
	"github.com/tabish121/proton-go/internal/sasl"
	"github.com/tabish121/proton-go/internal/transport"
)

// DeliveryMode selects the sender-settle behavior a Sender
// negotiates: AT_MOST_ONCE maps to sender-settle=settled, AT_LEAST_ONCE
// maps to sender-settle=unsettled.
type DeliveryMode int

const (
	AtMostOnce DeliveryMode = iota
	AtLeastOnce
)

// Durability mirrors the AMQP terminus-durability values a Source/Target
// may request.
type Durability uint32

const (
	DurabilityNone Durability = iota
	DurabilityConfiguration
	DurabilityUnsettledState
)

// ExpiryPolicy mirrors the AMQP terminus-expiry-policy values.
type ExpiryPolicy string

const (
	ExpiryPolicyLinkDetach      ExpiryPolicy = "link-detach"
	ExpiryPolicySessionEnd      ExpiryPolicy = "session-end"
	ExpiryPolicyConnectionClose ExpiryPolicy = "connection-close"
	ExpiryPolicyNever           ExpiryPolicy = "never"
)

// defaultOutcomes is the default set of outcomes a Receiver advertises on
// its source at attach: accepted, rejected, released, modified.
var defaultOutcomes = []string{"amqp:accepted:list", "amqp:rejected:list", "amqp:released:list", "amqp:modified:list"}

// ConnOptions carries the Connection-level tunables.
type ConnOptions struct {
	// Transport and Engine are the external collaborators this module
	// does not implement; callers must supply concrete implementations,
	// such as those in internal/mocks for tests.
	Transport transport.Transport
	Engine    engine.Engine

	User                string
	Password            string
	VHost               string
	SASLEnabled         bool
	AllowedMechanisms   []string
	Authenticator       sasl.Authenticator
	ContainerID         string
	ChannelMax          uint16
	MaxFrameSize        uint32
	IdleTimeout         time.Duration
	OfferedCapabilities []string
	DesiredCapabilities []string
	Properties          map[string]any
	OpenTimeout         time.Duration
	CloseTimeout        time.Duration
	RequestTimeout      time.Duration
	SendTimeout         time.Duration
	TLS                 *transport.TLSOptions

	ReconnectEnabled bool
	ReconnectHosts   []string
	ConnectedHandler func()
	FailedHandler    func(error)
}

func (o *ConnOptions) withDefaults() *ConnOptions {
	out := *o
	if out.ContainerID == "" {
		out.ContainerID = generateContainerID()
	}
	if out.ChannelMax == 0 {
		out.ChannelMax = 65535
	}
	if out.MaxFrameSize == 0 {
		out.MaxFrameSize = 65536
	}
	if out.OpenTimeout == 0 {
		out.OpenTimeout = 10 * time.Second
	}
	if out.CloseTimeout == 0 {
		out.CloseTimeout = 10 * time.Second
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.SendTimeout == 0 {
		out.SendTimeout = 10 * time.Second
	}
	return &out
}

// SessionOptions carries per-session settings. Of the four timeout
// fields only RequestTimeout is read (it bounds Begin and End); a
// Session and its links use the Connection's OpenTimeout, CloseTimeout
// and SendTimeout regardless of the values set here.
type SessionOptions struct {
	OpenTimeout    time.Duration
	CloseTimeout   time.Duration
	RequestTimeout time.Duration
	SendTimeout    time.Duration

	IncomingWindow uint32
	OutgoingWindow uint32
}

// SourceOptions configures a link's source terminus.
type SourceOptions struct {
	Address      string
	Durability   Durability
	ExpiryPolicy ExpiryPolicy
	ExpiryTimeout uint32
	Dynamic      bool
	Filter       map[string]any
	Outcomes     []string
	Capabilities []string
}

// TargetOptions configures a link's target terminus.
type TargetOptions struct {
	Address       string
	Durability    Durability
	ExpiryPolicy  ExpiryPolicy
	ExpiryTimeout uint32
	Dynamic       bool
	Capabilities  []string
}

// SenderOptions carries the Sender-level tunables.
type SenderOptions struct {
	Name                        string
	DeliveryMode                DeliveryMode
	AutoSettle                  *bool
	SettlementMode              *frames.SenderSettleMode
	RequestedReceiverSettleMode *frames.ReceiverSettleMode
	SourceOptions               *SourceOptions
	TargetOptions               *TargetOptions
	Capabilities                []string
	Properties                  map[string]any
	SendTimeout                 time.Duration
	RequestTimeout              time.Duration
	// IgnoreDispositionErrors, when true, keeps the link open when the
	// peer rejects a delivery instead of detaching it (mirrors go-amqp's
	// closeOnDispositionError escape hatch for servers that reject as a
	// normal, non-fatal flow-control signal).
	IgnoreDispositionErrors bool
}

func (o *SenderOptions) autoSettle() bool {
	if o == nil || o.AutoSettle == nil {
		return true
	}
	return *o.AutoSettle
}

// ReceiverOptions carries the Receiver-level tunables.
type ReceiverOptions struct {
	Name           string
	CreditWindow   *int // nil selects the default; 0 disables auto-replenishment
	AutoAccept     *bool
	AutoSettle     *bool
	SourceOptions  *SourceOptions
	TargetOptions  *TargetOptions
	Capabilities   []string
	Properties     map[string]any
	ReceiveTimeout time.Duration
	RequestTimeout time.Duration
}

const defaultCreditWindow = 100

func (o *ReceiverOptions) creditWindow() int {
	if o == nil || o.CreditWindow == nil {
		return defaultCreditWindow
	}
	return *o.CreditWindow
}

func (o *ReceiverOptions) autoAccept() bool {
	if o == nil || o.AutoAccept == nil {
		return true
	}
	return *o.AutoAccept
}

func (o *ReceiverOptions) autoSettle() bool {
	if o == nil || o.AutoSettle == nil {
		return true
	}
	return *o.AutoSettle
}

// TransactionControllerOptions carries the optional settings for a
// transaction controller's coordinator link.
type TransactionControllerOptions struct {
	Capabilities []string
}
