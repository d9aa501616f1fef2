package tcp

import "testing"

func TestISSGeneratorProducesDistinctValues(t *testing.T) {
	var gen ISSGenerator
	if err := gen.Seed(); err != nil {
		t.Fatal("seed:", err)
	}
	seen := make(map[Value]bool)
	for i := 0; i < 64; i++ {
		v := gen.Next()
		if seen[v] {
			t.Fatalf("ISSGenerator produced a repeated value %d on call %d", v, i)
		}
		seen[v] = true
	}
}

func TestISSGeneratorReseedChangesSequence(t *testing.T) {
	var a, b ISSGenerator
	if err := a.Seed(); err != nil {
		t.Fatal("seed a:", err)
	}
	if err := b.Seed(); err != nil {
		t.Fatal("seed b:", err)
	}
	// Extremely unlikely two independently-seeded generators agree on their
	// first ten outputs; a collision would point at a broken entropy source.
	same := 0
	for i := 0; i < 10; i++ {
		if a.Next() == b.Next() {
			same++
		}
	}
	if same == 10 {
		t.Fatal("two independently seeded ISSGenerators produced identical sequences")
	}
}

func TestDefaultISSGeneratorIsUsable(t *testing.T) {
	v1 := DefaultISSGenerator.Next()
	v2 := DefaultISSGenerator.Next()
	if v1 == v2 {
		t.Fatal("DefaultISSGenerator produced the same value twice in a row")
	}
}
