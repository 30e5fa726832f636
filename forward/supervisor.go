package forward

import "io"

// Supervisor is the process-wide admission and accounting surface the
// forwarders report to. The bridge supervisor implements it; tests use
// lightweight fakes.
type Supervisor interface {
	// Admit reserves one substream slot against the process-wide stream
	// budget. It returns false when the budget is exhausted; no
	// resources may be allocated in that case.
	Admit(proto string) bool

	// Release returns a slot reserved by Admit. Called exactly once per
	// successful Admit, when the stream ends.
	Release(proto string)

	// Track registers a live substream for shutdown draining.
	Track(c io.Closer)

	// Untrack removes a substream registered with Track.
	Untrack(c io.Closer)

	// AddBytesUp accounts bytes written into the tunnel.
	AddBytesUp(n int64)

	// AddBytesDown accounts bytes received from the tunnel.
	AddBytesDown(n int64)
}
