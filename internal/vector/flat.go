package vector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

const (
	indexMagic   = "SDVX"
	indexVersion = 1
	headerSize   = 4 + 4 + 4 + 4 + 8 // magic, version, dim, count, next id
)

// FlatIndex is a dense vector index answered by brute-force inner product.
// Vectors are expected to be unit length, so scores are cosine similarities.
// A FlatIndex is not safe for concurrent mutation; Store never mutates an
// index after publishing it.
type FlatIndex struct {
	dim     int
	ids     []int64
	vectors [][]float32
}

// Hit is a scored position in a FlatIndex.
type Hit struct {
	Pos   int
	ID    int64
	Score float64
}

// NewFlatIndex creates an empty index of the given dimension.
func NewFlatIndex(dim int) (*FlatIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &FlatIndex{dim: dim}, nil
}

// Dimensions returns the vector dimension.
func (f *FlatIndex) Dimensions() int { return f.dim }

// Len returns the number of vectors.
func (f *FlatIndex) Len() int { return len(f.ids) }

// Add appends a copy of vec under id.
func (f *FlatIndex) Add(id int64, vec []float32) error {
	if len(vec) != f.dim {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vec), f.dim)
	}
	f.ids = append(f.ids, id)
	f.vectors = append(f.vectors, append([]float32(nil), vec...))
	return nil
}

// Clone returns an index sharing the (immutable) vectors but with its own slices.
func (f *FlatIndex) Clone() *FlatIndex {
	return &FlatIndex{
		dim:     f.dim,
		ids:     append([]int64(nil), f.ids...),
		vectors: append([][]float32(nil), f.vectors...),
	}
}

// Search scores every vector against query and returns up to k hits with
// score >= threshold, ordered by descending score and then ascending ID.
func (f *FlatIndex) Search(query []float32, k int, threshold float64) ([]Hit, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), f.dim)
	}
	if k <= 0 || len(f.ids) == 0 {
		return []Hit{}, nil
	}
	hits := make([]Hit, 0, len(f.ids))
	for i, vec := range f.vectors {
		score := InnerProduct(query, vec)
		if math.IsNaN(score) || score < threshold {
			continue
		}
		hits = append(hits, Hit{Pos: i, ID: f.ids[i], Score: score})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ID < hits[b].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// MarshalBinary encodes the index as: magic, version (uint32), dim (uint32),
// count (uint32), next id (int64), then per entry the id (int64) and dim
// little-endian float32s.
func (f *FlatIndex) MarshalBinary(nextID int64) []byte {
	out := make([]byte, headerSize, headerSize+len(f.ids)*(8+4*f.dim))
	copy(out[0:4], indexMagic)
	binary.LittleEndian.PutUint32(out[4:8], indexVersion)
	binary.LittleEndian.PutUint32(out[8:12], uint32(f.dim))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(f.ids)))
	binary.LittleEndian.PutUint64(out[16:24], uint64(nextID))
	var buf [8]byte
	for i, id := range f.ids {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		out = append(out, buf[:]...)
		for _, v := range f.vectors[i] {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			out = append(out, buf[:4]...)
		}
	}
	return out
}

var errTruncated = errors.New("truncated index data")

// UnmarshalFlatIndex decodes data produced by MarshalBinary and returns the
// index with its stored next id. The stored dimension must equal dim.
func UnmarshalFlatIndex(data []byte, dim int) (*FlatIndex, int64, error) {
	if len(data) < headerSize {
		return nil, 0, errTruncated
	}
	if string(data[0:4]) != indexMagic {
		return nil, 0, fmt.Errorf("bad index magic %q", data[0:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != indexVersion {
		return nil, 0, fmt.Errorf("unsupported index version %d", v)
	}
	if d := int(binary.LittleEndian.Uint32(data[8:12])); d != dim {
		return nil, 0, fmt.Errorf("dimension mismatch: file has %d, index expects %d", d, dim)
	}
	n := int(binary.LittleEndian.Uint32(data[12:16]))
	nextID := int64(binary.LittleEndian.Uint64(data[16:24]))

	entry := 8 + 4*dim
	if len(data)-headerSize != n*entry {
		if len(data)-headerSize < n*entry {
			return nil, 0, errTruncated
		}
		return nil, 0, fmt.Errorf("trailing bytes after %d entries", n)
	}
	idx := &FlatIndex{dim: dim, ids: make([]int64, n), vectors: make([][]float32, n)}
	off := headerSize
	for i := 0; i < n; i++ {
		idx.ids[i] = int64(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
			off += 4
		}
		idx.vectors[i] = vec
	}
	return idx, nextID, nil
}
