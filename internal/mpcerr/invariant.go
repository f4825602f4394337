package mpcerr

// BrokenInvariant reports an internal invariant violation: it panics in
// builds compiled with the debug tag and returns an InternalInvariant
// error otherwise, so release builds degrade the affected session to
// Failed instead of crashing the validator.
func BrokenInvariant(context string) error {
	if debugBuild {
		panic("invariant violation: " + context)
	}
	return New(InternalInvariant, context)
}
