package tcp

import "errors"

// tcpProtocolNumber is the IANA assigned protocol number for TCP carried in
// the IP protocol/next-header field. Exposed so a Listener/Handler can report
// itself to a network-layer demultiplexer without that layer importing this
// package's internals.
const tcpProtocolNumber = 6

var (
	errShortBuffer        = errors.New("buffer too short for TCP header")
	errInvalidLengthField = errors.New("invalid TCP header length field")
	errInvalidField       = errors.New("invalid TCP header field")
	errZeroDestination    = errors.New("TCP zero destination port")
	errZeroSource         = errors.New("TCP zero source port")
	errPacketDrop         = errors.New("packet dropped")
	errMismatch           = errors.New("mismatched value")
	errInvalidConfig      = errors.New("invalid configuration")
)

// Validator accumulates errors found while checking a TCP frame's header
// fields against the buffer that backs it. The zero value is ready to use.
// Checksum validation against the IPv4/IPv6 pseudo-header is deliberately not
// performed here: per the wire-format contract the core consumes, checksum
// computation/verification belongs to the IP layer collaborator.
type Validator struct {
	accum []error
}

// AddBitPosErr records err, noting the bit offset and width of the field that
// failed validation. The position is informational (useful in diagnostics);
// only err affects Validator.Err.
func (v *Validator) AddBitPosErr(bitOffset, bitWidth int, err error) {
	v.accum = append(v.accum, err)
}

// Err returns the accumulated validation error, or nil if the frame checked
// out. Multiple errors are joined.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// Reset clears accumulated errors so the Validator can be reused.
func (v *Validator) Reset() { v.accum = v.accum[:0] }

// ErrPop returns the accumulated validation error (see Err) and clears the
// Validator so it is ready for the next frame.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.Reset()
	return err
}
