// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name    string `json:"name"`
	Payload []byte `json:"payload"`
	Count   uint64 `json:"count"`
}

func TestCodec_SmallRecordStaysJSON(t *testing.T) {
	c, err := New(DefaultCompressionThreshold)
	require.NoError(t, err)
	defer c.Close()

	data, err := c.Marshal(record{Name: "small", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, formatJSON, data[0])
	assert.Contains(t, string(data[1:]), `"name":"small"`)

	var got record
	require.NoError(t, c.Unmarshal(data, &got))
	assert.Equal(t, "small", got.Name)
	assert.Equal(t, uint64(3), got.Count)
}

func TestCodec_LargeRecordIsCompressed(t *testing.T) {
	c, err := New(128)
	require.NoError(t, err)
	defer c.Close()

	in := record{Name: "large", Payload: bytes.Repeat([]byte("fluxbus "), 512)}
	data, err := c.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, formatZstd, data[0])
	assert.Less(t, len(data), len(in.Payload))

	var got record
	require.NoError(t, c.Unmarshal(data, &got))
	assert.Equal(t, in, got)
}

func TestCodec_CompressionDisabled(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	defer c.Close()

	data, err := c.Marshal(record{Payload: bytes.Repeat([]byte("x"), 10000)})
	require.NoError(t, err)
	assert.Equal(t, formatJSON, data[0])
}

func TestCodec_UnknownFormat(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	defer c.Close()

	var got record
	assert.ErrorIs(t, c.Unmarshal(nil, &got), ErrUnknownFormat)
	assert.ErrorIs(t, c.Unmarshal([]byte{0x7f, '{', '}'}, &got), ErrUnknownFormat)
}
