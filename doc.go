// Package scope provides scoped resource acquisition with guaranteed release.
//
// It offers:
// - With/Value: acquire, run a body, release exactly once on every exit path
// - an optional failure branch that runs instead of the body when acquisition fails
// - Stack for a dynamic number of nested scopes, released last-in first-out
// - Registry and Plan for declaring nested scopes from (kind, driver) definitions
// - opt-in Trace hooks; the construct itself never logs
//
// Release is driven by defer, so returning early, returning an error,
// panicking or calling runtime.Goexit inside the body all release the handle.
package scope
