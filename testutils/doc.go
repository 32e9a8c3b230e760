// Package testutils provides testing utilities shared by the MOP3 test suites.
//
// Key components:
//   - FakeSocial: an in-memory social.Capability with call recording and
//     error injection
//   - Loopback helpers that start a server on 127.0.0.1 and dial it
//   - ManualListener: pipe connections handed to a server by the test
//
// Example usage:
//
//	import "github.com/migadu/mop3/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		fake := testutils.NewFakeSocial(posts...)
//		fake.Fail("authenticate", social.ErrTimeout, 1)
//		// Pass fake to the server under test...
//	}
package testutils
