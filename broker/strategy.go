// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"strings"
)

// DrainStrategy selects how a drain cycle walks a message type's queue.
type DrainStrategy int

const (
	// Unordered delivers every ready message concurrently, bounded by
	// Config.MaxConcurrency.
	Unordered DrainStrategy = iota
	// Ordered delivers messages one at a time and stops at the first
	// message that is not acknowledged by every subscriber, preserving
	// per-subscriber order.
	Ordered
)

func (s DrainStrategy) String() string {
	switch s {
	case Unordered:
		return "unordered"
	case Ordered:
		return "ordered"
	default:
		return fmt.Sprintf("DrainStrategy(%d)", int(s))
	}
}

// ParseDrainStrategy parses "ordered" or "unordered".
func ParseDrainStrategy(s string) (DrainStrategy, error) {
	switch strings.ToLower(s) {
	case "", "unordered":
		return Unordered, nil
	case "ordered":
		return Ordered, nil
	default:
		return Unordered, fmt.Errorf("unknown drain strategy %q", s)
	}
}
