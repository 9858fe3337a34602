package testutil

import "fmt"

// KeyHex returns the hex form of the private key whose scalar value is n.
// Small n gives stable, well-known keys for tests.
func KeyHex(n int) string {
	return fmt.Sprintf("%064x", n)
}
