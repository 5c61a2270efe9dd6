// Package protocol implements the TLV packet framing used by network microphones:
// header parsing and validation, audio packet decoding and encoding, and sequence gap tracking.
package protocol
