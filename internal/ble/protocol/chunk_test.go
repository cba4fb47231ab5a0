package protocol

import (
	"bytes"
	"testing"
)

func TestChunkLen(t *testing.T) {
	f := DefaultFraming()
	tests := []struct {
		name   string
		total  int
		offset int
		want   int
	}{
		{"empty payload", 0, 0, 0},
		{"short payload", 7, 0, 7},
		{"exact MTU", MTU, 0, MTU},
		{"one over MTU, first chunk", MTU + 1, 0, MTU},
		{"one over MTU, last chunk", MTU + 1, MTU, 1},
		{"offset past end", 10, 12, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.ChunkLen(tt.total, tt.offset); got != tt.want {
				t.Errorf("ChunkLen(%d, %d) = %d, want %d", tt.total, tt.offset, got, tt.want)
			}
		})
	}
}

func TestChunksReassemble(t *testing.T) {
	f := DefaultFraming()
	for _, n := range []int{1, 7, MTU - 1, MTU, MTU + 1, 3*MTU + 17} {
		payload := bytes.Repeat([]byte{'x'}, n)
		chunks := f.Chunks(payload)
		if len(chunks) != f.DataChunks(n) {
			t.Errorf("n=%d: got %d chunks, want %d", n, len(chunks), f.DataChunks(n))
		}
		for i, c := range chunks {
			if len(c) > MTU {
				t.Errorf("n=%d: chunk[%d] len=%d exceeds MTU", n, i, len(c))
			}
			if i < len(chunks)-1 && len(c) != MTU {
				t.Errorf("n=%d: non-final chunk[%d] len=%d, want %d", n, i, len(c), MTU)
			}
		}
		if got := bytes.Join(chunks, nil); !bytes.Equal(got, payload) {
			t.Errorf("n=%d: reassembled %d bytes, want %d", n, len(got), n)
		}
	}
}

func TestChunksEmpty(t *testing.T) {
	if chunks := DefaultFraming().Chunks(nil); chunks != nil {
		t.Errorf("Chunks(nil) = %v, want nil", chunks)
	}
}

func TestChunksZeroMTU(t *testing.T) {
	f := Framing{MTU: 0, Sentinel: []byte(SentinelText)}
	if chunks := f.Chunks([]byte("hello")); chunks != nil {
		t.Errorf("Chunks with MTU=0 should return nil, got %v", chunks)
	}
}

func TestWrites(t *testing.T) {
	f := DefaultFraming()
	if got := f.Writes(0); got != 1 {
		t.Errorf("Writes(0) = %d, want 1 (sentinel only)", got)
	}
	if got := f.Writes(1025); got != 4 {
		t.Errorf("Writes(1025) = %d, want 4", got)
	}
}

func TestIsSentinel(t *testing.T) {
	f := DefaultFraming()
	if !f.IsSentinel([]byte("==EOM==")) {
		t.Error("IsSentinel(==EOM==) = false, want true")
	}
	if f.IsSentinel([]byte("==EOM== ")) {
		t.Error("IsSentinel with trailing space = true, want false")
	}
	if f.IsSentinel(nil) {
		t.Error("IsSentinel(nil) = true, want false")
	}
}

func TestCollides(t *testing.T) {
	f := DefaultFraming()
	tail := append(bytes.Repeat([]byte{'a'}, MTU), SentinelText...)
	if !f.Collides(tail) {
		t.Error("payload whose final chunk is the sentinel should collide")
	}
	if !f.Collides([]byte(SentinelText)) {
		t.Error("payload equal to the sentinel should collide")
	}
	if f.Collides([]byte("hello ==EOM==")) {
		t.Error("sentinel inside a longer chunk should not collide")
	}
}
