// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec encodes the records the broker keeps in its store. Records
// are JSON; records larger than the compression threshold are zstd
// compressed. A one-byte header tells the two apart.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/absmach/fluxbus/internal/bufpool"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

const (
	formatJSON byte = 0x01
	formatZstd byte = 0x02

	// DefaultCompressionThreshold is the encoded size above which records
	// are compressed.
	DefaultCompressionThreshold = 4096
)

// ErrUnknownFormat is returned when a record header is not recognized.
var ErrUnknownFormat = errors.New("unknown record format")

// Codec marshals records. It is safe for concurrent use.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	bufs      *bufpool.Pool
}

// New creates a codec. A threshold <= 0 disables compression.
func New(threshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Codec{
		threshold: threshold,
		enc:       enc,
		dec:       dec,
		bufs:      bufpool.New(bufpool.DefaultMaxCap),
	}, nil
}

// Marshal encodes v.
func (c *Codec) Marshal(v any) ([]byte, error) {
	buf := c.bufs.Get()
	defer c.bufs.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	if c.threshold > 0 && len(data) > c.threshold {
		out := make([]byte, 1, len(data)/2+1)
		out[0] = formatZstd
		return c.enc.EncodeAll(data, out), nil
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, formatJSON)
	return append(out, data...), nil
}

// Unmarshal decodes data produced by Marshal into v.
func (c *Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return ErrUnknownFormat
	}

	body := data[1:]
	switch data[0] {
	case formatJSON:
	case formatZstd:
		raw, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress record: %w", err)
		}
		body = raw
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownFormat, data[0])
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// Close releases the compression resources.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}
