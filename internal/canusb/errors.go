package canusb

import "errors"

// Sentinel errors classifying precondition violations of the adapter state
// machine; callers test with errors.Is. Malformed receive-side frames never
// surface as errors, they are dropped during parsing.
var (
	// ErrBusy is reported when a facet is acquired a second time from the
	// same adapter.
	ErrBusy = errors.New("canusb: device or resource busy")

	// ErrNotSupported is reported for a bit rate outside the setup table and
	// for a send while the bus is not open.
	ErrNotSupported = errors.New("canusb: operation not supported")

	// ErrNotPermitted is reported for configuration that the current bus
	// state forbids, such as changing the bit rate after bus-on.
	ErrNotPermitted = errors.New("canusb: operation not permitted")
)
