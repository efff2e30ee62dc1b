package semantic

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(x))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("semantic: vector blob length %d not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// cosine returns the cosine similarity of a and b, 0 when either has zero
// magnitude. ok is false on a dimension mismatch.
func cosine(a, b []float32) (sim float32, ok bool) {
	if len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, true
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb))), true
}

type scored struct {
	rec Record
	sim float32
}

// topK ranks records by similarity to q, highest first, ties broken by ID.
func topK(q []float32, recs []Record, k int) ([]Match, error) {
	hits := make([]scored, 0, len(recs))
	for _, r := range recs {
		sim, ok := cosine(q, r.Vector)
		if !ok {
			return nil, fmt.Errorf("semantic: dimension mismatch: query %d, record %s has %d", len(q), r.ID, len(r.Vector))
		}
		hits = append(hits, scored{rec: r, sim: sim})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].rec.ID < hits[j].rec.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = Match{
			AdvisoryID: h.rec.ID,
			Severity:   h.rec.Severity,
			Score:      h.rec.Score,
			Published:  h.rec.Published,
			Text:       h.rec.Text,
			Rank:       i,
			Similarity: h.sim,
		}
	}
	return out, nil
}
