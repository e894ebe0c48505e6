// Package wire implements the D-Bus binary message format.
// It provides a closed set of typed values, signature validation, and the
// Encode/Decode pair used by both the bus daemon and the client library.
// Decoding is incremental: a partially buffered frame reports ErrIncomplete
// and consumes nothing, so callers can retry once more bytes arrive.
package wire
