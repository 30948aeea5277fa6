// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the payload codec of a segment record. The
// values are stored in record headers; changing them breaks existing
// archives.
type Compression uint8

const (
	// CompressionNone stores payloads as-is. Also used for any payload
	// the configured codec could not shrink.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression. Cheap, modest ratio on
	// short ASCII sensor messages.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level.
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a codec name as used in configuration.
// The empty string selects CompressionNone.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("archive: unknown compression %q", name)
	}
}

// compressPayload compresses data with the requested codec, falling
// back to CompressionNone when the output would not be smaller.
func compressPayload(data []byte, codec Compression) ([]byte, Compression, error) {
	var (
		compressed []byte
		err        error
	)
	switch codec {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("archive: unsupported compression %d", codec)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, codec, nil
}

// decompressPayload reverses compressPayload. rawLength must match the
// original payload length exactly.
func decompressPayload(data []byte, codec Compression, rawLength int) ([]byte, error) {
	switch codec {
	case CompressionNone:
		if len(data) != rawLength {
			return nil, fmt.Errorf("archive: stored payload is %d bytes, expected %d", len(data), rawLength)
		}
		return data, nil
	case CompressionLZ4:
		return decompressLZ4(data, rawLength)
	case CompressionZstd:
		return decompressZstd(data, rawLength)
	default:
		return nil, fmt.Errorf("archive: unsupported compression %d", codec)
	}
}

var errIncompressible = errors.New("archive: payload is incompressible")

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, rawLength int) ([]byte, error) {
	destination := make([]byte, rawLength)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("archive: lz4 decompress: %w", err)
	}
	if read != rawLength {
		return nil, fmt.Errorf("archive: lz4 decompress: got %d bytes, expected %d", read, rawLength)
	}
	return destination, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, rawLength int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawLength))
	if err != nil {
		return nil, fmt.Errorf("archive: zstd decompress: %w", err)
	}
	if len(result) != rawLength {
		return nil, fmt.Errorf("archive: zstd decompress: got %d bytes, expected %d", len(result), rawLength)
	}
	return result, nil
}
