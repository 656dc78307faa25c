package metrics

import "testing"

func TestRegisterIdempotent(t *testing.T) {
	// Several daemon subcommands call Register on startup; the second
	// call must not panic on duplicate registration.
	Register()
	Register()
}
