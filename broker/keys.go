// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/binary"
	"errors"
)

// Key layout, all parts NUL-separated:
//
//	t <type>                 type index
//	s <type> <reference>     subscription
//	q <type> <seq:8>         queued message
//	n <type>                 sequence counter
//	d <type> <seq:8>         dead letter
const (
	prefixType  = 't'
	prefixSub   = 's'
	prefixQueue = 'q'
	prefixSeq   = 'n'
	prefixDead  = 'd'

	sep = 0x00
)

var (
	errMalformedKey = errors.New("malformed store key")

	indexValue = []byte{1}
)

func typePrefix(p byte, messageType string) []byte {
	k := make([]byte, 0, len(messageType)+3)
	k = append(k, p, sep)
	k = append(k, messageType...)
	return k
}

func scopedPrefix(p byte, messageType string) []byte {
	return append(typePrefix(p, messageType), sep)
}

func typeKey(messageType string) []byte {
	return typePrefix(prefixType, messageType)
}

func typeIndexPrefix() []byte {
	return []byte{prefixType, sep}
}

func seqKey(messageType string) []byte {
	return typePrefix(prefixSeq, messageType)
}

func subPrefix(messageType string) []byte {
	return scopedPrefix(prefixSub, messageType)
}

func subKey(messageType, refKey string) []byte {
	return append(subPrefix(messageType), refKey...)
}

func allSubsPrefix() []byte {
	return []byte{prefixSub, sep}
}

func queuePrefix(messageType string) []byte {
	return scopedPrefix(prefixQueue, messageType)
}

func queueKey(messageType string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(queuePrefix(messageType), seq)
}

func deadPrefix(messageType string) []byte {
	return scopedPrefix(prefixDead, messageType)
}

func deadKey(messageType string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(deadPrefix(messageType), seq)
}

// typeFromIndexKey extracts the message type from a type index key.
func typeFromIndexKey(key []byte) (string, error) {
	if len(key) < 3 || key[0] != prefixType || key[1] != sep {
		return "", errMalformedKey
	}
	return string(key[2:]), nil
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errMalformedKey
	}
	return binary.BigEndian.Uint64(b), nil
}
