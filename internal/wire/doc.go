// Package wire implements the outbound binary message encoder for the
// realtime socket. The format is a msgpack-compatible subset: every value
// gets the narrowest control byte that can carry it, map fields marked
// absent are skipped entirely, and numbers are classified by value rather
// than Go type so an integral float travels in an integer form.
//
// Only encoding is implemented. The service never sends binary control
// messages back; inbound traffic is JSON text and raw image frames, handled
// in [github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/session].
package wire
