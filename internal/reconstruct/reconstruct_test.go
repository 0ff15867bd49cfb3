package reconstruct_test

import (
	"testing"

	"github.com/fleipold/akre"
	"github.com/fleipold/akre/internal/reconstruct"
)

func collect(t *testing.T, r *reconstruct.Reconstructor, chunks []string) []akre.RValue {
	t.Helper()
	var got []akre.RValue
	for _, c := range chunks {
		if err := r.Process([]byte(c), func(v akre.RValue) { got = append(got, v) }); err != nil {
			t.Fatalf("Process(%q): %v", c, err)
		}
	}
	return got
}

func assertSameReplies(t *testing.T, want, got []akre.RValue) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("want %d replies, got %d", len(want), len(got))
	}
	for i := range want {
		if !want[i].Equal(got[i]) {
			t.Fatalf("reply %d: want %v got %v", i, want[i], got[i])
		}
	}
}

// TestChunkingInvariance is testable property #2: any split of a byte
// stream that decodes to [r1, r2, ...] produces the same sequence in the
// same order, regardless of how it's chunked.
func TestChunkingInvariance(t *testing.T) {
	stream := "$5\r\nhello\r\n:1\r\n:2\r\n+OK\r\n$-1\r\n*2\r\n:1\r\n:2\r\n"
	want := []akre.RValue{
		akre.BulkString([]byte("hello")),
		akre.Integer(1),
		akre.Integer(2),
		akre.SimpleString("OK"),
		akre.NullBulkString(),
		akre.Array([]akre.RValue{akre.Integer(1), akre.Integer(2)}),
	}

	splits := [][]string{
		{stream},
		splitEvery(stream, 1),
		splitEvery(stream, 3),
		splitEvery(stream, 7),
		{stream[:5], stream[5:]},
	}

	for i, chunks := range splits {
		got := collect(t, reconstruct.New(), chunks)
		assertSameReplies(t, want, got)
		_ = i
	}
}

func splitEvery(s string, n int) []string {
	var out []string
	for i := 0; i < len(s); i += n {
		end := i + n
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	return out
}

// TestS4Chunking is end-to-end scenario S4: a single bulk string frame
// delivered split across CR/LF and within the length header and body.
func TestS4Chunking(t *testing.T) {
	r := reconstruct.New()
	got := collect(t, r, []string{"$5\r", "\nhel", "lo\r\n"})
	assertSameReplies(t, []akre.RValue{akre.BulkString([]byte("hello"))}, got)
}

// TestS5PipelinedReplies is end-to-end scenario S5: three replies delivered
// back to back in one chunk must be emitted in order.
func TestS5PipelinedReplies(t *testing.T) {
	r := reconstruct.New()
	got := collect(t, r, []string{":1\r\n:2\r\n:3\r\n"})
	assertSameReplies(t, []akre.RValue{akre.Integer(1), akre.Integer(2), akre.Integer(3)}, got)
}

func TestDeeplyNestedArray(t *testing.T) {
	depth := 100
	stream := ""
	for i := 0; i < depth; i++ {
		stream += "*1\r\n"
	}
	stream += ":7\r\n"

	r := reconstruct.New()
	got := collect(t, r, []string{stream})
	if len(got) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(got))
	}
}

func TestPoisonedAfterDecodeError(t *testing.T) {
	r := reconstruct.New()
	err := r.Process([]byte("!bogus\r\n"), func(akre.RValue) {})
	if err == nil {
		t.Fatal("expected poisoning error")
	}
	if !r.Poisoned() {
		t.Fatal("expected reconstructor to be poisoned")
	}

	// Further calls fail fast without attempting to parse.
	err = r.Process([]byte(":1\r\n"), func(akre.RValue) {
		t.Fatal("sink must not be invoked once poisoned")
	})
	if err == nil {
		t.Fatal("expected poisoned error on subsequent call")
	}
}
