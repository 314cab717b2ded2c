// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"strings"
	"time"
)

// Kind tags the addressing variant of a subscriber reference.
type Kind string

const (
	// KindActor addresses a single actor hosted by a service.
	KindActor Kind = "actor"
	// KindService addresses a service, optionally a single partition of it.
	KindService Kind = "service"
)

// ActorRef addresses an actor by id within its hosting service.
type ActorRef struct {
	Service string `json:"service"`
	ActorID string `json:"actor_id"`
}

// ServiceRef addresses a service. An empty Partition lets the transport
// pick any partition.
type ServiceRef struct {
	Service   string `json:"service"`
	Partition string `json:"partition,omitempty"`
}

// Reference identifies a subscriber endpoint. Exactly one of Actor or
// Service is set, matching Kind.
type Reference struct {
	Kind    Kind        `json:"kind"`
	Actor   *ActorRef   `json:"actor,omitempty"`
	Service *ServiceRef `json:"service,omitempty"`
}

// ActorReference builds an actor subscriber reference.
func ActorReference(service, actorID string) Reference {
	return Reference{Kind: KindActor, Actor: &ActorRef{Service: service, ActorID: actorID}}
}

// ServiceReference builds a service subscriber reference.
func ServiceReference(service, partition string) Reference {
	return Reference{Kind: KindService, Service: &ServiceRef{Service: service, Partition: partition}}
}

// Validate checks that the variant is consistent and addressable.
func (r Reference) Validate() error {
	switch r.Kind {
	case KindActor:
		if r.Actor == nil || r.Service != nil {
			return fmt.Errorf("%w: actor reference must carry only actor data", ErrInvalidReference)
		}
		if r.Actor.Service == "" || r.Actor.ActorID == "" {
			return fmt.Errorf("%w: actor reference requires service and actor id", ErrInvalidReference)
		}
	case KindService:
		if r.Service == nil || r.Actor != nil {
			return fmt.Errorf("%w: service reference must carry only service data", ErrInvalidReference)
		}
		if r.Service.Service == "" {
			return fmt.Errorf("%w: service reference requires a service name", ErrInvalidReference)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidReference, r.Kind)
	}
	if strings.ContainsAny(r.Key(), "\x00|") {
		return fmt.Errorf("%w: reference contains invalid characters", ErrInvalidReference)
	}
	return nil
}

// Key returns the unique endpoint key of the reference.
func (r Reference) Key() string {
	switch r.Kind {
	case KindActor:
		if r.Actor == nil {
			return ""
		}
		return "actor:" + r.Actor.Service + "/" + r.Actor.ActorID
	case KindService:
		if r.Service == nil {
			return ""
		}
		if r.Service.Partition == "" {
			return "service:" + r.Service.Service
		}
		return "service:" + r.Service.Service + "#" + r.Service.Partition
	default:
		return ""
	}
}

// ServiceName returns the name of the service hosting the endpoint.
func (r Reference) ServiceName() string {
	switch {
	case r.Kind == KindActor && r.Actor != nil:
		return r.Actor.Service
	case r.Kind == KindService && r.Service != nil:
		return r.Service.Service
	default:
		return ""
	}
}

func (r Reference) String() string {
	return r.Key()
}

// ParseReference parses the key form of a reference:
// "actor:<service>/<id>", "service:<service>" or "service:<service>#<partition>".
func ParseReference(key string) (Reference, error) {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok {
		return Reference{}, fmt.Errorf("%w: missing kind in %q", ErrInvalidReference, key)
	}

	var ref Reference
	switch Kind(kind) {
	case KindActor:
		service, id, ok := strings.Cut(rest, "/")
		if !ok {
			return Reference{}, fmt.Errorf("%w: actor reference %q requires <service>/<id>", ErrInvalidReference, key)
		}
		ref = ActorReference(service, id)
	case KindService:
		service, partition, _ := strings.Cut(rest, "#")
		ref = ServiceReference(service, partition)
	default:
		return Reference{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidReference, kind)
	}
	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}
	return ref, nil
}

// ReferenceWrapper is a subscriber registration for one message type.
type ReferenceWrapper struct {
	Reference      Reference `json:"reference"`
	MessageType    string    `json:"message_type"`
	TotalReceived  uint64    `json:"total_received"`
	TotalDelivered uint64    `json:"total_delivered"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// Key returns the endpoint key of the wrapped reference.
func (w ReferenceWrapper) Key() string {
	return w.Reference.Key()
}

// SubscriptionKey returns the key of this registration in BrokerStats.
func (w ReferenceWrapper) SubscriptionKey() string {
	return SubscriptionKey(w.MessageType, w.Reference)
}

// SubscriptionKey joins a message type and a reference key.
func SubscriptionKey(messageType string, ref Reference) string {
	return messageType + "|" + ref.Key()
}
