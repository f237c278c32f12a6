// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a frame payload body is compressed. The
// tag is the first byte of every payload; changing the values breaks
// compatibility with existing peers.
type Compression uint8

const (
	// CompressionNone sends the CBOR body as is.
	CompressionNone Compression = 0

	// CompressionLZ4 uses LZ4 block compression. Cheap enough for
	// every frame; the usual choice for log-line pushes.
	CompressionLZ4 Compression = 1

	// CompressionZstd uses zstd at the default level. Better ratio
	// for large state dictionaries on slow links.
	CompressionZstd Compression = 2
)

// String returns the configuration name of c.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configuration name. The empty string means
// none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// errIncompressible means compression did not shrink the body; the
// frame is sent uncompressed instead.
var errIncompressible = errors.New("body is incompressible")

// Shared zstd state. EncodeAll and DecodeAll are safe for concurrent
// use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// compressBody returns the payload for body: the tag byte, and for
// compressed payloads the uncompressed length (4 bytes, big-endian)
// followed by the compressed bytes. Bodies that do not shrink fall
// back to CompressionNone.
func compressBody(body []byte, compression Compression) ([]byte, error) {
	var compressed []byte
	var err error
	switch compression {
	case CompressionNone:
		return append([]byte{byte(CompressionNone)}, body...), nil
	case CompressionLZ4:
		compressed, err = compressLZ4(body)
	case CompressionZstd:
		compressed, err = compressZstd(body)
	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
	if errors.Is(err, errIncompressible) {
		return append([]byte{byte(CompressionNone)}, body...), nil
	}
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 5, 5+len(compressed))
	payload[0] = byte(compression)
	binary.BigEndian.PutUint32(payload[1:5], uint32(len(body)))
	return append(payload, compressed...), nil
}

// decompressPayload reverses compressBody.
func decompressPayload(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	compression := Compression(payload[0])
	if compression == CompressionNone {
		return payload[1:], nil
	}
	if len(payload) < 5 {
		return nil, fmt.Errorf("%s payload too short for length header", compression)
	}
	size := binary.BigEndian.Uint32(payload[1:5])
	if size > maxPayloadLength {
		return nil, fmt.Errorf("uncompressed length %d exceeds maximum %d", size, maxPayloadLength)
	}
	compressed := payload[5:]
	switch compression {
	case CompressionLZ4:
		return decompressLZ4(compressed, int(size))
	case CompressionZstd:
		return decompressZstd(compressed, int(size))
	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
