package tcp

// Value is a TCP sequence or acknowledgment number: a 32-bit counter that wraps
// modulo 2**32. All arithmetic and comparison on a Value must go through the
// modular operators below; a naive `<` or `>` on the raw uint32 gives the wrong
// answer once the counter wraps, which for a long-lived connection it will.
type Value uint32

// Size is a length expressed in octets of sequence space (a segment length or a
// window size). Window sizes are carried on the wire in 16 bits, so a Size used
// as SND.WND/RCV.WND must fit in uint16.
type Size uint32

// Add returns v+sz in sequence space, wrapping modulo 2**32.
func Add(v Value, sz Size) Value { return v + Value(sz) }

// Sizeof returns the number of octets from a to b (inclusive of a, exclusive of
// b) in sequence space, i.e. the Size such that Add(a, Sizeof(a,b)) == b.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan implements RFC 793's signed-difference sequence comparison: a < b
// iff (b-a) mod 2**32 lies in [1, 2**31). Equivalent to interpreting b-a as a
// signed 32-bit integer and testing it is positive.
func (a Value) LessThan(b Value) bool {
	return int32(b-a) > 0
}

// LessThanEq reports whether a <= b in sequence-space order.
func (a Value) LessThanEq(b Value) bool {
	return a == b || a.LessThan(b)
}

// InWindow reports whether v falls in [left, left+wnd) in sequence-space order,
// i.e. seq_in_window(v, left, wnd) from the sequence-arithmetic primitives.
func (v Value) InWindow(left Value, wnd Size) bool {
	if wnd == 0 {
		return false
	}
	return left.LessThanEq(v) && v.LessThan(Add(left, wnd))
}

// InWindowInclusive reports whether v falls in [left, left+wnd], used when
// testing whether a segment's last octet (rather than its first) lies inside
// a window of the given size.
func (v Value) InWindowInclusive(left Value, wnd Size) bool {
	return left.LessThanEq(v) && v.LessThanEq(Add(left, wnd))
}

// UpdateForward advances a value to newer only if newer is actually ahead of it
// in sequence-space order; it is a no-op (and reports false) on a stale/duplicate
// update. Used for RCV.NXT-style counters that must never move backwards.
func (a *Value) UpdateForward(newer Value) bool {
	if a.LessThan(newer) {
		*a = newer
		return true
	}
	return false
}

// seqLT is the free-function form of sequence-number less-than, named to match
// the sequence-arithmetic primitives (seq_lt) the rest of the package is built on.
func seqLT(a, b Value) bool { return a.LessThan(b) }

// seqLEQ is the free-function form of sequence-number less-than-or-equal
// (seq_leq).
func seqLEQ(a, b Value) bool { return a.LessThanEq(b) }

// seqInWindow is the free-function form of the window-membership test
// (seq_in_window): left <= x < left+wnd in modular arithmetic.
func seqInWindow(x, left Value, wnd Size) bool { return x.InWindow(left, wnd) }
