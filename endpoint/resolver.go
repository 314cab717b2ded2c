// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"strconv"

	"github.com/absmach/fluxbus/cluster"
	"github.com/absmach/fluxbus/pkg/hashing"
	"github.com/absmach/fluxbus/types"
)

// Resolver maps a subscriber reference to the address of the process
// hosting it.
type Resolver interface {
	Resolve(ctx context.Context, ref types.Reference) (string, error)
}

// DirectoryResolver resolves references through a naming directory.
// Actors are placed on the partition selected by hashing their id;
// service references go to the named partition, or the lowest available
// one when none is named.
type DirectoryResolver struct {
	dir cluster.Directory
}

// NewDirectoryResolver returns a resolver backed by dir.
func NewDirectoryResolver(dir cluster.Directory) *DirectoryResolver {
	return &DirectoryResolver{dir: dir}
}

// Resolve implements Resolver.
func (r *DirectoryResolver) Resolve(ctx context.Context, ref types.Reference) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	info, err := r.dir.Lookup(ctx, ref.ServiceName())
	if err != nil {
		return "", err
	}

	switch ref.Kind {
	case types.KindActor:
		return info.Address(hashing.Partition(ref.Actor.ActorID, info.PartitionCount))
	case types.KindService:
		if ref.Service.Partition == "" {
			parts := info.Partitions()
			if len(parts) == 0 {
				return "", fmt.Errorf("%w: %s", cluster.ErrPartitionUnavailable, info.Name)
			}
			return info.Address(parts[0])
		}
		p, err := strconv.Atoi(ref.Service.Partition)
		if err != nil {
			return "", fmt.Errorf("%w: partition %q is not numeric", types.ErrInvalidReference, ref.Service.Partition)
		}
		return info.Address(p)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, ref.Kind)
	}
}
