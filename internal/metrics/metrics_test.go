package metrics

import "testing"

func TestRegister_NoPanic(t *testing.T) {
	// Register only registers on its first call, so calling it twice
	// must not panic.
	Register()
	Register()
}
