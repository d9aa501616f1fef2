package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/gosheep/tcpcore/internal"
)

// ISSGenerator produces initial sequence numbers for active and passive
// opens. §4.2 treats the ISS source as an opaque, monotonically-increasing
// collaborator; this implementation derives it from a coarse clock tick
// mixed with a per-process random seed, the same clock+entropy construction
// RFC 9293 Appendix A recommends so that a sequence of ISS values picked by
// one process is not trivially guessable by an off-path attacker.
//
// The zero value is usable but deterministic (seed 0); call Seed or rely on
// the package-level DefaultISSGenerator, which is seeded from crypto/rand at
// package init.
type ISSGenerator struct {
	mu   sync.Mutex
	seed uint32
}

// Seed reseeds the generator from a cryptographically random source.
func (g *ISSGenerator) Seed() error {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return err
	}
	g.mu.Lock()
	g.seed = binary.BigEndian.Uint32(b[:])
	g.mu.Unlock()
	return nil
}

// Next returns the next initial sequence number. Successive calls within the
// same clock tick still differ because the xorshift seed advances on every
// call; this is not cryptographically unpredictable, only hard to guess
// without observing prior values, matching what §4.2 asks of the core (the
// core only requires the source be monotonic-looking and non-trivial, not
// that it resist a dedicated adversary).
func (g *ISSGenerator) Next() Value {
	g.mu.Lock()
	g.seed = internal.Prand32(g.seed)
	mixed := g.seed
	g.mu.Unlock()
	clockTicks := uint32(time.Now().UnixNano() / (4 * int64(time.Microsecond)))
	return Value(clockTicks + mixed)
}

// DefaultISSGenerator is seeded from crypto/rand at package init and is safe
// for concurrent use; Table uses it unless configured with a different
// generator.
var DefaultISSGenerator = newSeededISSGenerator()

func newSeededISSGenerator() *ISSGenerator {
	g := &ISSGenerator{}
	if err := g.Seed(); err != nil {
		// crypto/rand is unavailable (rare, sandboxed environments); fall
		// back to a time-derived seed rather than the all-zero default.
		g.seed = uint32(time.Now().UnixNano())
	}
	return g
}
