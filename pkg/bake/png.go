package bake

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

const maxChunkLen = 1 << 31

type chunk struct {
	typ  string
	data []byte
}

// readChunks splits a PNG into its chunks, checking each CRC.
func readChunks(img []byte) ([]chunk, error) {
	if !bytes.HasPrefix(img, pngSignature) {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedPNG)
	}
	var chunks []chunk
	rest := img[len(pngSignature):]
	for len(rest) > 0 {
		if len(rest) < 12 {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrMalformedPNG)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if n >= maxChunkLen || int(n) > len(rest)-12 {
			return nil, fmt.Errorf("%w: chunk length %d out of range", ErrMalformedPNG, n)
		}
		typ := rest[4:8]
		data := rest[8 : 8+n]
		crc := binary.BigEndian.Uint32(rest[8+n : 12+n])
		h := crc32.NewIEEE()
		h.Write(typ)
		h.Write(data)
		if h.Sum32() != crc {
			return nil, fmt.Errorf("%w: bad CRC in %s chunk", ErrMalformedPNG, typ)
		}
		chunks = append(chunks, chunk{typ: string(typ), data: data})
		rest = rest[12+n:]
		if string(typ) == "IEND" {
			break
		}
	}
	if len(chunks) == 0 || chunks[0].typ != "IHDR" {
		return nil, fmt.Errorf("%w: first chunk is not IHDR", ErrMalformedPNG)
	}
	if chunks[len(chunks)-1].typ != "IEND" {
		return nil, fmt.Errorf("%w: missing IEND", ErrMalformedPNG)
	}
	return chunks, nil
}

func writeChunks(chunks []chunk) []byte {
	size := len(pngSignature)
	for _, c := range chunks {
		size += 12 + len(c.data)
	}
	out := make([]byte, 0, size)
	out = append(out, pngSignature...)
	for _, c := range chunks {
		out = binary.BigEndian.AppendUint32(out, uint32(len(c.data)))
		out = append(out, c.typ...)
		out = append(out, c.data...)
		h := crc32.NewIEEE()
		h.Write([]byte(c.typ))
		h.Write(c.data)
		out = binary.BigEndian.AppendUint32(out, h.Sum32())
	}
	return out
}

// BakePNG writes payload into an uncompressed iTXt chunk keyed "openbadges"
// just before IEND. Earlier openbadges text chunks are dropped; every other
// chunk is kept byte for byte.
func BakePNG(img, payload []byte) ([]byte, error) {
	chunks, err := readChunks(img)
	if err != nil {
		return nil, err
	}
	out := make([]chunk, 0, len(chunks)+1)
	for _, c := range chunks {
		if isBadgeChunk(c) {
			continue
		}
		if c.typ == "IEND" {
			out = append(out, chunk{typ: "iTXt", data: itxt(payload)})
		}
		out = append(out, c)
	}
	return writeChunks(out), nil
}

// UnbakePNG returns the payload of the first openbadges text chunk.
func UnbakePNG(img []byte) ([]byte, bool, error) {
	chunks, err := readChunks(img)
	if err != nil {
		return nil, false, err
	}
	for _, c := range chunks {
		if !isBadgeChunk(c) {
			continue
		}
		text, err := chunkText(c)
		if err != nil {
			return nil, false, err
		}
		return text, true, nil
	}
	return nil, false, nil
}

// BadgeChunks counts the openbadges text chunks of img.
func BadgeChunks(img []byte) (int, error) {
	chunks, err := readChunks(img)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range chunks {
		if isBadgeChunk(c) {
			n++
		}
	}
	return n, nil
}

func isBadgeChunk(c chunk) bool {
	switch c.typ {
	case "iTXt", "tEXt", "zTXt":
		return bytes.HasPrefix(c.data, []byte(Keyword+"\x00"))
	}
	return false
}

// itxt encodes: keyword NUL flag(0) method(0) language NUL translated NUL text.
func itxt(payload []byte) []byte {
	data := make([]byte, 0, len(Keyword)+5+len(payload))
	data = append(data, Keyword...)
	data = append(data, 0, 0, 0, 0, 0)
	return append(data, payload...)
}

func chunkText(c chunk) ([]byte, error) {
	body := c.data[len(Keyword)+1:]
	switch c.typ {
	case "tEXt":
		return body, nil
	case "zTXt":
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: short zTXt chunk", ErrMalformedPNG)
		}
		return inflate(body[1:])
	}

	// iTXt
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: short iTXt chunk", ErrMalformedPNG)
	}
	compressed := body[0] == 1
	rest := body[2:]
	for i := 0; i < 2; i++ {
		idx := bytes.IndexByte(rest, 0)
		if idx < 0 {
			return nil, fmt.Errorf("%w: unterminated iTXt header", ErrMalformedPNG)
		}
		rest = rest[idx+1:]
	}
	if compressed {
		return inflate(rest)
	}
	return rest, nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPNG, err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPNG, err)
	}
	return out, nil
}
