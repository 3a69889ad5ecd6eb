package bridge

import (
	"errors"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textDecoder turns process output chunks into valid UTF-8 text. Invalid
// sequences become U+FFFD; a rune split across two chunks is held back
// until the rest of it arrives.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{t: unicode.UTF8.NewDecoder()}
}

func (d *textDecoder) decode(chunk []byte) string {
	return d.transform(chunk, false)
}

// flush decodes whatever is still held back, replacing an incomplete
// trailing rune.
func (d *textDecoder) flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	return d.transform(nil, true)
}

func (d *textDecoder) transform(chunk []byte, atEOF bool) string {
	src := append(d.pending, chunk...)
	// Each invalid byte may expand to the three-byte replacement rune.
	dst := make([]byte, 3*len(src)+4)

	nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
	if err != nil && !errors.Is(err, transform.ErrShortSrc) {
		// Not reachable with dst sized as above; pass the bytes through.
		d.pending = nil
		d.t.Reset()
		return string(src)
	}
	d.pending = append([]byte(nil), src[nSrc:]...)
	return string(dst[:nDst])
}
