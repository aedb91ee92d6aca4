package amqp

import "github.com/tabish121/proton-go/internal/frames"

const anonymousRelayCapability = "ANONYMOUS-RELAY"

// Capabilities is the small record derived from the remote Open frame,
// consulted when deciding whether an anonymous sender may be opened.
type Capabilities struct {
	AnonymousRelay bool
	offered        []string
}

func capabilitiesFromOpen(open *frames.PerformOpen) Capabilities {
	c := Capabilities{offered: open.OfferedCapabilities}
	for _, cap := range open.OfferedCapabilities {
		if cap == anonymousRelayCapability {
			c.AnonymousRelay = true
		}
	}
	return c
}

// Offered returns the raw offered-capabilities list from the remote Open.
func (c Capabilities) Offered() []string {
	return c.offered
}
