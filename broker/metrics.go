// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "time"

// Metrics receives broker instrumentation.
type Metrics interface {
	RecordPublish(messageType string, sizeBytes int)
	RecordDelivery(messageType string, d time.Duration, err error)
	RecordDeadLetter(messageType string)
	RecordQueueDepth(messageType string, depth int)
	RecordDrain(messageType string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordPublish(string, int) {}
func (noopMetrics) RecordDelivery(string, time.Duration, error) {}
func (noopMetrics) RecordDeadLetter(string) {}
func (noopMetrics) RecordQueueDepth(string, int) {}
func (noopMetrics) RecordDrain(string, time.Duration) {}
