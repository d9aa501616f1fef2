package tcp

import "strconv"

// String renders a segment in the same <SEQ=...><ACK=...>[FLAGS] notation
// StringExchange uses for a two-sided exchange, for the common case of
// logging a single segment on its own (Frame.String, handler debug logs).
func (seg Segment) String() string {
	b := make([]byte, 0, 32)
	b = append(b, '<')
	b = append(b, "SEQ="...)
	b = strconv.AppendInt(b, int64(seg.SEQ), 10)
	b = append(b, '>')
	b = append(b, '<')
	b = append(b, "ACK="...)
	b = strconv.AppendInt(b, int64(seg.ACK), 10)
	b = append(b, '>')
	if seg.DATALEN > 0 {
		b = append(b, '<')
		b = append(b, "DATA="...)
		b = strconv.AppendInt(b, int64(seg.DATALEN), 10)
		b = append(b, '>')
	}
	b = append(b, '[')
	b = seg.Flags.AppendFormat(b)
	b = append(b, ']')
	return string(b)
}

// String implements fmt.Stringer, matching the RFC 9293 state names
// (the teacher's own lneto/tcp package carries an equivalent generated by
// `stringer -type=State -linecomment`; this one is hand-authored since
// regenerating it here isn't possible without running the Go toolchain).
func (i State) String() string {
	switch i {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynRcvd:
		return "SYN-RECEIVED"
	case StateSynSent:
		return "SYN-SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateLastAck:
		return "LAST-ACK"
	default:
		return "State(" + strconv.FormatInt(int64(i), 10) + ")"
	}
}

// String implements fmt.Stringer using the option names from RFC 9293 and
// the IANA TCP option kind registry, following the line comments next to
// each OptionKind constant in definitions.go.
func (kind OptionKind) String() string {
	switch kind {
	case OptEnd:
		return "end of option list"
	case OptNop:
		return "no-operation"
	case OptMaxSegmentSize:
		return "maximum segment size"
	case OptWindowScale:
		return "window scale"
	case OptSACKPermitted:
		return "SACK permitted"
	case OptSACK:
		return "SACK"
	case OptEcho:
		return "echo(obsolete)"
	case optEchoReply:
		return "echo reply(obsolete)"
	case OptTimestamps:
		return "timestamps"
	case optPOCP:
		return "partial order connection permitted(obsolete)"
	case optPOSP:
		return "partial order service profile(obsolete)"
	case optCC:
		return "CC(obsolete)"
	case optCCnew:
		return "CC.new(obsolete)"
	case optCCecho:
		return "CC.echo(obsolete)"
	case optACR:
		return "alternate checksum request(obsolete)"
	case optACD:
		return "alternate checksum data(obsolete)"
	case optSkeeter:
		return "skeeter"
	case optBubba:
		return "bubba"
	case OptTrailerChecksum:
		return "trailer checksum"
	case optMD5Signature:
		return "MD5 signature(obsolete)"
	case OptSCPSCapabilities:
		return "SCPS capabilities"
	case OptSNA:
		return "selective negative acks"
	case OptRecordBoundaries:
		return "record boundaries"
	case OptCorruptionExperienced:
		return "corruption experienced"
	case OptSNAP:
		return "SNAP"
	case OptUnassigned:
		return "unassigned"
	case OptCompressionFilter:
		return "compression filter"
	case OptQuickStartResponse:
		return "quick-start response"
	case OptUserTimeout:
		return "user timeout or unauthorized use"
	case OptAuthetication:
		return "Authentication TCP-AO"
	case OptMultipath:
		return "multipath TCP"
	case OptFastOpenCookie:
		return "fast open cookie"
	case OptEncryptionNegotiation:
		return "encryption negotiation"
	case OptAccurateECN0:
		return "accurate ECN order 0"
	case OptAccurateECN1:
		return "accurate ECN order 1"
	default:
		return "OptionKind(" + strconv.FormatInt(int64(kind), 10) + ")"
	}
}
