// Package telefork composes the Tracer, Image Codec, and Rehydrator
// into a network round-trip convenience: clone the calling process
// itself onto a peer, let it resume there, and optionally clone it
// back. It owns no image
// semantics of its own — both halves are thin wrappers over
// pkg/rehydrator's dump and restore paths.
package telefork

// Location describes which side of a Telefork/Telepad round trip the
// caller ended up on after the call returns.
type Location struct {
	// Forked is true if this call returned in the original process
	// after successfully streaming a frozen twin out. It is false if
	// this call returned because execution resumed inside the
	// rehydrated twin (Telepad) or the reawakened local fork
	// (Telefork, on the "Woke" path described by the original's
	// TeleforkLocation::Child).
	Forked bool

	// PassedValue carries the value forwarded to a reawakened process
	// via the resumed raise(SIGSTOP) return value (the original's
	// TeleforkLocation::Child(i32)). Only meaningful when !Forked.
	PassedValue int32
}
