package jsonl

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

// drippingReader returns at most n bytes per Read call, to exercise lines
// that span many reads.
type drippingReader struct {
	data []byte
	n    int
}

func (d *drippingReader) Read(p []byte) (int, error) {
	if len(d.data) == 0 {
		return 0, io.EOF
	}
	n := d.n
	if n > len(d.data) {
		n = len(d.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, d.data[:n])
	d.data = d.data[n:]
	return n, nil
}

func readAll(t *testing.T, lr *LineReader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := lr.ReadLine()
		if err == io.EOF {
			return lines
		}
		if err != nil {
			t.Fatalf("ReadLine() error = %v", err)
		}
		lines = append(lines, string(line))
	}
}

func TestLineReader_MatchesNewlineSplit(t *testing.T) {
	input := "first\n\nthird line\nlast"
	want := strings.Split(input, "\n")

	for _, drip := range []int{1, 3, 7, len(input)} {
		lr := NewLineReader(&drippingReader{data: []byte(input), n: drip})
		got := readAll(t, lr)

		if len(got) != len(want) {
			t.Fatalf("drip=%d: got %d lines, want %d", drip, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("drip=%d: line %d = %q, want %q", drip, i, got[i], want[i])
			}
		}
	}
}

func TestLineReader_LineLargerThanChunk(t *testing.T) {
	// A single line well beyond the 256 KiB read chunk and bufio's 64 KiB
	// default limit.
	big := strings.Repeat("x", 3*readChunk+17)
	input := "small\n" + big + "\ntail\n"

	lr := NewLineReader(strings.NewReader(input))
	got := readAll(t, lr)

	if len(got) != 3 {
		t.Fatalf("got %d lines, want 3", len(got))
	}
	if got[0] != "small" || got[2] != "tail" {
		t.Errorf("framing lines wrong: %q, %q", got[0], got[2])
	}
	if got[1] != big {
		t.Errorf("big line corrupted: len=%d, want %d", len(got[1]), len(big))
	}
}

func TestLineReader_ResidualReturnedOnceBeforeEOF(t *testing.T) {
	lr := NewLineReader(strings.NewReader("complete\npartial"))

	line, err := lr.ReadLine()
	if err != nil || string(line) != "complete" {
		t.Fatalf("first line = %q, %v", line, err)
	}

	line, err = lr.ReadLine()
	if err != nil {
		t.Fatalf("residual should be returned with nil error, got %v", err)
	}
	if string(line) != "partial" {
		t.Errorf("residual = %q, want %q", line, "partial")
	}

	if _, err := lr.ReadLine(); err != io.EOF {
		t.Errorf("after residual err = %v, want io.EOF", err)
	}
}

func TestLineReader_EmptyStream(t *testing.T) {
	lr := NewLineReader(strings.NewReader(""))
	if _, err := lr.ReadLine(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestLineReader_CRLF(t *testing.T) {
	lr := NewLineReader(strings.NewReader("a\r\nb\r\n"))
	got := readAll(t, lr)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %q, want [a b]", got)
	}
}

func TestLineReader_Reset(t *testing.T) {
	lr := NewLineReader(strings.NewReader("left over"))
	if _, err := lr.ReadLine(); err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}

	lr.Reset(strings.NewReader("fresh\n"))
	line, err := lr.ReadLine()
	if err != nil || string(line) != "fresh" {
		t.Errorf("after Reset: %q, %v", line, err)
	}
	if _, err := lr.ReadLine(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestLineReader_ReadError(t *testing.T) {
	boom := io.ErrUnexpectedEOF
	r := io.MultiReader(strings.NewReader("ok\ntrailing"), &failingReader{err: boom})

	lr := NewLineReader(r)
	if line, err := lr.ReadLine(); err != nil || string(line) != "ok" {
		t.Fatalf("first = %q, %v", line, err)
	}
	if line, err := lr.ReadLine(); err != nil || string(line) != "trailing" {
		t.Fatalf("residual = %q, %v", line, err)
	}
	if _, err := lr.ReadLine(); err != boom {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestLineReader_BytesRemainValid(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("one\ntwo\nthree\n")

	lr := NewLineReader(&b)
	first, _ := lr.ReadLine()
	second, _ := lr.ReadLine()

	if string(first) != "one" || string(second) != "two" {
		t.Errorf("earlier lines mutated: %q, %q", first, second)
	}
}
