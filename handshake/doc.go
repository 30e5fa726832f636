// Package handshake implements the per-link handshake that runs on a
// fresh peer channel before any forwarding: role advertisement, conflict
// detection, optional mutual HMAC authentication, and protocol
// negotiation.
//
// The wire format during the handshake is newline-terminated UTF-8
// lines; the final line of each side's negotiation phase is a single
// JSON object. Once a handshake completes the codec is retired and the
// channel carries mux frames.
package handshake
