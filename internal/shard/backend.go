// Package shard defines the contract every shard backend implements and the
// small helpers shared by backends.
package shard

import (
	"context"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/model"
)

// RetrieveCallback receives one batch of found entities. Returning false asks
// the producer to stop delivering further batches for the same call.
type RetrieveCallback func(batch []model.Entity) bool

// Backend is a key-value store that may itself be split into shards.
//
// ShardServers returns one backend per shard in partition order. A backend
// that stores data itself returns an empty list.
type Backend interface {
	ShardCount(ctx context.Context) (int, error)
	ShardServers(ctx context.Context) ([]Backend, error)
	Upsert(ctx context.Context, entities []model.Entity) error
	RetrieveByKeys(ctx context.Context, keys []model.Entity, cb RetrieveCallback) error
	RetrieveRange(ctx context.Context, start, end []byte, cb RetrieveCallback) error
	Delete(ctx context.Context, keys []model.Entity) error
}

// Unsupported can be embedded by backends that only implement part of the
// contract. Every data operation fails with a not-supported error.
type Unsupported struct{}

func (Unsupported) Upsert(context.Context, []model.Entity) error {
	return errors.NotSupported("Upsert")
}

func (Unsupported) RetrieveByKeys(context.Context, []model.Entity, RetrieveCallback) error {
	return errors.NotSupported("RetrieveByKeys")
}

func (Unsupported) RetrieveRange(context.Context, []byte, []byte, RetrieveCallback) error {
	return errors.NotSupported("RetrieveRange")
}

func (Unsupported) Delete(context.Context, []model.Entity) error {
	return errors.NotSupported("Delete")
}
