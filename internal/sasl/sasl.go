// Package sasl declares the pluggable SASL authentication seam this
// module consumes but does not implement: mechanism selection and
// credential negotiation are left to a concrete Authenticator.
// §6 describes: "a pluggable authenticator takes a mechanism selector
// ... and a credentials provider." No mechanism implementation lives
// here; a concrete authenticator (PLAIN, EXTERNAL, ANONYMOUS, ...) is
// supplied by the application or a sibling package, not this module.
package sasl

// Credentials is the minimal credentials provider: vhost, username,
// password, and an optional local principal for EXTERNAL/Kerberos-style
// mechanisms.
type Credentials struct {
	VHost           string
	Username        string
	Password        string
	LocalPrincipal  string
}

// Authenticator negotiates a SASL mechanism against the set the peer
// advertises and produces the bytes for each SASL exchange step.
//
// Anonymous auth is selected by a concrete Authenticator when "anonymous"
// is among Allowed and no Username is configured on the Credentials it
// was built with.
type Authenticator interface {
	// Mechanisms returns the mechanisms this Authenticator is willing to
	// use, in preference order, filtered against the peer-offered set.
	Mechanisms(offered []string) []string

	// Step produces the next response frame for the chosen mechanism
	// given the server's challenge (nil on the first step). done is true
	// once no further steps are required.
	Step(mechanism string, challenge []byte) (response []byte, done bool, err error)
}
