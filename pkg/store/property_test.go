//go:build property
// +build property

package store

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
)

// TestBlobStoreContentAddressing verifies the CAS contract: the digest
// is a pure function of the bytes, Put is idempotent, and Get returns
// the exact bytes for any input.
func TestBlobStoreContentAddressing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	b := NewMemoryBlobStore()
	ctx := context.Background()

	properties.Property("digest is deterministic and bytes roundtrip", prop.ForAll(
		func(data []byte) bool {
			sha1, err := b.Put(ctx, data)
			if err != nil {
				return false
			}
			if sha1 != canonicalize.HashBytes(data) {
				return false
			}
			sha2, err := b.Put(ctx, data)
			if err != nil || sha2 != sha1 {
				return false
			}
			got, err := b.Get(ctx, sha1)
			if err != nil || len(got) != len(data) {
				return false
			}
			for i := range data {
				if got[i] != data[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestCanonicalHashIgnoresKeyOrder verifies that two maps with the same
// entries hash identically regardless of construction order.
func TestCanonicalHashIgnoresKeyOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is key-order independent", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				forward[keys[i]] = values[i]
			}
			backward := make(map[string]any)
			for i := min(len(keys), len(values)) - 1; i >= 0; i-- {
				backward[keys[i]] = values[i]
			}
			h1, err1 := canonicalize.Hash(forward)
			h2, err2 := canonicalize.Hash(backward)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
