// Package pgnstream splits a (possibly compressed) PGN archive into individual
// game texts without buffering the archive.
package pgnstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Compression identifies the archive encoding.
type Compression string

const (
	None Compression = "none"
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

// ErrGameTooLarge is returned when a single game exceeds the configured limit.
var ErrGameTooLarge = errors.New("pgn game exceeds size limit")

// ParseCompression maps a stored compression name to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "identity":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	}
	return None, fmt.Errorf("unknown compression %q", s)
}

// CompressionFromName guesses the encoding from a file name such as
// games.pgn.zst or games.pgn.gz.
func CompressionFromName(name string) Compression {
	switch strings.ToLower(path.Ext(name)) {
	case ".zst", ".zstd":
		return Zstd
	case ".gz", ".gzip":
		return Gzip
	}
	return None
}

// RawGame is one game's PGN text and its 1-based position in the archive.
type RawGame struct {
	Index int
	Text  string
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxGameBytes bounds the buffered text of a single game (0 = unlimited).
func WithMaxGameBytes(n int) Option {
	return func(d *Decoder) { d.maxGameBytes = n }
}

// Decoder is a pull iterator over the games of one archive. It is single-pass
// and cannot be restarted; each call to Next reads from the underlying source
// only as far as needed to complete the next game.
type Decoder struct {
	r       *bufio.Reader
	closers []func() error

	lines       []string
	lineBytes   int
	hasMovetext bool

	index        int
	cur          RawGame
	err          error
	eof          bool
	maxGameBytes int
}

// NewDecoder wraps src. For compressed input the decompressor emits zero or
// more output blocks per input read and drains its buffered tail when the
// source reaches EOF. Text is decoded as UTF-8 with partial multi-byte
// sequences carried across reads; a leading BOM is dropped.
func NewDecoder(src io.Reader, c Compression, opts ...Option) (*Decoder, error) {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}

	var r io.Reader = src
	switch c {
	case None, "":
	case Gzip:
		gr, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		d.closers = append(d.closers, gr.Close)
		r = gr
	case Zstd:
		zr, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		d.closers = append(d.closers, func() error { zr.Close(); return nil })
		r = zr
	default:
		return nil, fmt.Errorf("unsupported compression %q", c)
	}

	text := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	d.r = bufio.NewReaderSize(text, 64*1024)
	return d, nil
}

// Next advances to the next game. It returns false at end of input or on
// error; check Err afterwards.
func (d *Decoder) Next() bool {
	if d.err != nil {
		return false
	}
	for !d.eof {
		line, err := d.r.ReadString('\n')
		if err != nil && err != io.EOF {
			d.err = fmt.Errorf("read pgn stream: %w", err)
			return false
		}
		if err == io.EOF {
			d.eof = true
		}
		if line == "" && d.eof {
			break
		}
		if d.push(line) {
			return true
		}
		if d.err != nil {
			return false
		}
	}
	// Emit whatever is buffered at end of input.
	return d.emit()
}

// Game returns the game produced by the last successful Next.
func (d *Decoder) Game() RawGame { return d.cur }

// Err returns the first error encountered.
func (d *Decoder) Err() error { return d.err }

// Close releases the decompressor.
func (d *Decoder) Close() error {
	var errs []error
	for _, c := range d.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// push adds one raw line and reports whether it completed a game.
func (d *Decoder) push(line string) bool {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	tag := isTagLine(trimmed)

	emitted := false
	if tag && d.hasMovetext {
		emitted = d.emit()
	}

	d.lines = append(d.lines, line)
	d.lineBytes += len(line) + 1
	if !tag && trimmed != "" {
		d.hasMovetext = true
	}
	if d.maxGameBytes > 0 && d.lineBytes > d.maxGameBytes {
		d.err = fmt.Errorf("game %d: %w (%d bytes)", d.index+1, ErrGameTooLarge, d.maxGameBytes)
		return emitted
	}
	return emitted
}

// emit turns the buffered lines into the current game, skipping blank buffers.
func (d *Decoder) emit() bool {
	lines := d.lines
	d.lines = nil
	d.lineBytes = 0
	d.hasMovetext = false

	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if start == end {
		return false
	}
	d.index++
	d.cur = RawGame{Index: d.index, Text: strings.Join(lines[start:end], "\n")}
	return true
}

func isTagLine(s string) bool {
	return len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']'
}
