// Package persist provides the codecs used to store analysis payloads, in memory
// for the snapshot backends and on disk for saved CLI analyses.
package persist

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// File extensions for supported codecs.
const (
	jsonExtension = ".json"
	lz4Extension  = ".lz4"
)

// Default indentation for pretty-printed JSON.
const defaultIndent = "  "

// maxPayloadSize bounds the declared size of a compressed payload.
const maxPayloadSize = 1 << 30

// ErrCorrupt is returned when a compressed payload cannot be decoded.
var ErrCorrupt = errors.New("corrupt payload")

// Codec defines how state is serialized and deserialized.
type Codec interface {
	// Encode writes the state to the writer.
	Encode(w io.Writer, state any) error
	// Decode reads the state from the reader.
	Decode(r io.Reader, state any) error
	// Extension returns the file extension for this codec (e.g., ".json").
	Extension() string
}

// JSONCodec implements Codec using JSON encoding with optional indentation.
type JSONCodec struct {
	// Indent specifies the indentation string. Empty string means compact JSON.
	Indent string
}

// NewJSONCodec creates a JSON codec with pretty-printing (2-space indent).
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{Indent: defaultIndent}
}

// Encode implements Codec.Encode using JSON encoding.
func (c *JSONCodec) Encode(w io.Writer, state any) error {
	encoder := json.NewEncoder(w)
	if c.Indent != "" {
		encoder.SetIndent("", c.Indent)
	}

	err := encoder.Encode(state)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}

	return nil
}

// Decode implements Codec.Decode using JSON decoding.
func (c *JSONCodec) Decode(r io.Reader, state any) error {
	err := json.NewDecoder(r).Decode(state)
	if err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	return nil
}

// Extension implements Codec.Extension for JSON files.
func (c *JSONCodec) Extension() string {
	return jsonExtension
}

// LZ4Codec compresses the output of an inner codec as a single LZ4 block.
// The block is prefixed by a mode byte and the uncompressed length (little-endian uint32).
type LZ4Codec struct {
	Inner Codec
}

// Block modes.
const (
	modeRaw byte = iota
	modeLZ4
)

const headerSize = 5

// NewLZ4Codec wraps a compact JSON codec with LZ4 block compression.
func NewLZ4Codec() *LZ4Codec {
	return &LZ4Codec{Inner: &JSONCodec{}}
}

// Encode implements Codec.Encode.
func (c *LZ4Codec) Encode(w io.Writer, state any) error {
	var raw bytes.Buffer

	err := c.Inner.Encode(&raw, state)
	if err != nil {
		return err
	}

	compressed := make([]byte, lz4.CompressBlockBound(raw.Len()))

	written, err := lz4.CompressBlock(raw.Bytes(), compressed, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress: %w", err)
	}

	var header [headerSize]byte

	binary.LittleEndian.PutUint32(header[1:], uint32(raw.Len())) //nolint:gosec // bounded by maxPayloadSize on decode.

	body := raw.Bytes()

	// Incompressible input yields written == 0.
	if written > 0 && written < raw.Len() {
		header[0] = modeLZ4
		body = compressed[:written]
	}

	if _, err = w.Write(header[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if _, err = w.Write(body); err != nil {
		return fmt.Errorf("write block: %w", err)
	}

	return nil
}

// Decode implements Codec.Decode.
func (c *LZ4Codec) Decode(r io.Reader, state any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read block: %w", err)
	}

	if len(data) < headerSize {
		return fmt.Errorf("%w: short header", ErrCorrupt)
	}

	size := binary.LittleEndian.Uint32(data[1:headerSize])
	if size > maxPayloadSize {
		return fmt.Errorf("%w: declared size %d", ErrCorrupt, size)
	}

	raw := data[headerSize:]

	switch data[0] {
	case modeRaw:
	case modeLZ4:
		raw = make([]byte, size)

		n, uerr := lz4.UncompressBlock(data[headerSize:], raw)
		if uerr != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, uerr)
		}

		raw = raw[:n]
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrCorrupt, data[0])
	}

	return c.Inner.Decode(bytes.NewReader(raw), state)
}

// Extension implements Codec.Extension.
func (c *LZ4Codec) Extension() string {
	return c.Inner.Extension() + lz4Extension
}

// Marshal encodes state into a byte slice.
func Marshal(codec Codec, state any) ([]byte, error) {
	var buf bytes.Buffer

	err := codec.Encode(&buf, state)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes data into state.
func Unmarshal(codec Codec, data []byte, state any) error {
	return codec.Decode(bytes.NewReader(data), state)
}
