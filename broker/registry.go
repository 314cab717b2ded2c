// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxbus/codec"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/types"
)

// Registry is the durable set of subscribers per message type.
type Registry struct {
	store storage.Store
	codec *codec.Codec
}

// NewRegistry returns a registry persisted in store.
func NewRegistry(store storage.Store, c *codec.Codec) *Registry {
	return &Registry{store: store, codec: c}
}

// Register adds ref as a subscriber of messageType. It reports false when
// the reference was already registered.
func (r *Registry) Register(ctx context.Context, messageType string, ref types.Reference) (bool, error) {
	var added bool
	err := r.store.Update(ctx, func(txn storage.Txn) error {
		var err error
		added, err = r.registerTxn(txn, messageType, ref, time.Now())
		return err
	})
	return added, err
}

// Unregister removes ref from the subscribers of messageType. It reports
// false when the reference was not registered.
func (r *Registry) Unregister(ctx context.Context, messageType string, ref types.Reference) (bool, error) {
	var removed bool
	err := r.store.Update(ctx, func(txn storage.Txn) error {
		var err error
		removed, err = r.unregisterTxn(txn, messageType, ref)
		return err
	})
	return removed, err
}

// Subscribers returns the subscribers of messageType ordered by reference key.
func (r *Registry) Subscribers(ctx context.Context, messageType string) ([]types.ReferenceWrapper, error) {
	var subs []types.ReferenceWrapper
	err := r.store.View(ctx, func(txn storage.Txn) error {
		var err error
		subs, err = r.subscribersTxn(txn, messageType)
		return err
	})
	return subs, err
}

// All returns every registration keyed by subscription key.
func (r *Registry) All(ctx context.Context) (map[string]types.ReferenceWrapper, error) {
	all := make(map[string]types.ReferenceWrapper)
	err := r.store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate(allSubsPrefix(), nil, func(_, value []byte) error {
			var w types.ReferenceWrapper
			if err := r.codec.Unmarshal(value, &w); err != nil {
				return err
			}
			all[w.SubscriptionKey()] = w
			return nil
		})
	})
	return all, err
}

// MessageTypes returns every message type known to the partition.
func (r *Registry) MessageTypes(ctx context.Context) ([]string, error) {
	var names []string
	err := r.store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate(typeIndexPrefix(), nil, func(key, _ []byte) error {
			name, err := typeFromIndexKey(key)
			if err != nil {
				return err
			}
			names = append(names, name)
			return nil
		})
	})
	return names, err
}

func (r *Registry) registerTxn(txn storage.Txn, messageType string, ref types.Reference, now time.Time) (bool, error) {
	key := subKey(messageType, ref.Key())
	exists, err := storage.Exists(txn, key)
	if err != nil || exists {
		return false, err
	}

	value, err := r.codec.Marshal(types.ReferenceWrapper{
		Reference:    ref,
		MessageType:  messageType,
		RegisteredAt: now.UTC(),
	})
	if err != nil {
		return false, err
	}
	if err := txn.Set(key, value); err != nil {
		return false, err
	}
	return true, txn.Set(typeKey(messageType), indexValue)
}

func (r *Registry) unregisterTxn(txn storage.Txn, messageType string, ref types.Reference) (bool, error) {
	key := subKey(messageType, ref.Key())
	exists, err := storage.Exists(txn, key)
	if err != nil || !exists {
		return false, err
	}
	return true, txn.Delete(key)
}

func (r *Registry) subscribersTxn(txn storage.Txn, messageType string) ([]types.ReferenceWrapper, error) {
	var subs []types.ReferenceWrapper
	err := txn.Iterate(subPrefix(messageType), nil, func(_, value []byte) error {
		var w types.ReferenceWrapper
		if err := r.codec.Unmarshal(value, &w); err != nil {
			return err
		}
		subs = append(subs, w)
		return nil
	})
	return subs, err
}

func (r *Registry) getTxn(txn storage.Txn, messageType, refKey string) (types.ReferenceWrapper, error) {
	var w types.ReferenceWrapper
	value, err := txn.Get(subKey(messageType, refKey))
	if err != nil {
		return w, err
	}
	err = r.codec.Unmarshal(value, &w)
	return w, err
}

func (r *Registry) putTxn(txn storage.Txn, w types.ReferenceWrapper) error {
	value, err := r.codec.Marshal(w)
	if err != nil {
		return err
	}
	return txn.Set(subKey(w.MessageType, w.Key()), value)
}

// incrementReceivedTxn bumps TotalReceived of every current subscriber of messageType.
func (r *Registry) incrementReceivedTxn(txn storage.Txn, messageType string) error {
	subs, err := r.subscribersTxn(txn, messageType)
	if err != nil {
		return err
	}
	for _, w := range subs {
		w.TotalReceived++
		if err := r.putTxn(txn, w); err != nil {
			return fmt.Errorf("failed to update %s: %w", w.SubscriptionKey(), err)
		}
	}
	return nil
}

// incrementDeliveredTxn bumps TotalDelivered of the given subscribers that
// are still registered. It returns how many were updated.
func (r *Registry) incrementDeliveredTxn(txn storage.Txn, messageType string, refKeys []string) (int, error) {
	var n int
	for _, k := range refKeys {
		w, err := r.getTxn(txn, messageType, k)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			continue
		default:
			return n, err
		}
		w.TotalDelivered++
		if err := r.putTxn(txn, w); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *Registry) hasSubscribersTxn(txn storage.Txn, messageType string) (bool, error) {
	var found bool
	err := txn.Iterate(subPrefix(messageType), nil, func(_, _ []byte) error {
		found = true
		return storage.ErrStopIteration
	})
	return found, err
}
