// Package format provides the 4-byte envelope shared by every on-disk file
// this system owns (manifest, journal, REFCNT, client config): a signature
// byte, a type byte, a version byte, and a flags byte, so a corrupted or
// foreign file is rejected before any record parsing begins.
package format

import "errors"

// Header layout (4 bytes):
//
//	signature (1 byte, 'w' = 0x77)
//	type (1 byte, identifies the file kind)
//	version (1 byte)
//	flags (1 byte, meaning is type-specific)
//
// Type codes:
//
//	'm' = manifest file
//	'j' = journal file
//	'r' = REFCNT file
//	'c' = client config file
const (
	Signature  = 'w'
	HeaderSize = 4

	TypeManifest = 'm'
	TypeJournal  = 'j'
	TypeRefcnt   = 'r'
	TypeConfig   = 'c'
)

var (
	ErrHeaderTooSmall    = errors.New("header too small")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrVersionMismatch   = errors.New("version mismatch")
)

// Header is the common 4-byte envelope.
type Header struct {
	Type    byte
	Version byte
	Flags   byte
}

// Encode returns the 4-byte wire representation.
func (h Header) Encode() [HeaderSize]byte {
	return [HeaderSize]byte{Signature, h.Type, h.Version, h.Flags}
}

// EncodeInto writes the header at buf[0:HeaderSize] and returns HeaderSize.
func (h Header) EncodeInto(buf []byte) int {
	buf[0] = Signature
	buf[1] = h.Type
	buf[2] = h.Version
	buf[3] = h.Flags
	return HeaderSize
}

// Decode reads a header from buf, checking only the signature byte.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	if buf[0] != Signature {
		return Header{}, ErrSignatureMismatch
	}
	return Header{Type: buf[1], Version: buf[2], Flags: buf[3]}, nil
}

// DecodeAndValidate reads a header and additionally checks its type and
// version against what the caller expects.
func DecodeAndValidate(buf []byte, expectedType, expectedVersion byte) (Header, error) {
	h, err := Decode(buf)
	if err != nil {
		return Header{}, err
	}
	if h.Type != expectedType {
		return Header{}, ErrTypeMismatch
	}
	if h.Version != expectedVersion {
		return Header{}, ErrVersionMismatch
	}
	return h, nil
}
