package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// RebuildMetaIndex reconstructs the attachment meta index by walking every
// stored artifact's attachment and advisory references. Existing entries
// are overwritten in place, so running twice over unchanged artifacts is
// idempotent. Cancellable via ctx between artifacts.
func RebuildMetaIndex(ctx context.Context, b Backend) (RebuildStats, error) {
	var stats RebuildStats
	arts, err := b.Artifacts.QueryArtifacts(ctx, ArtifactQuery{})
	if err != nil {
		return stats, fmt.Errorf("rebuild meta index: %w", err)
	}

	seen := make(map[string]struct{})
	for _, a := range arts {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("rebuild meta index: %w", err)
		}
		stats.RunsScanned++

		refs := make([]contracts.AttachmentRef, 0, len(a.AttachmentRefs))
		refs = append(refs, a.AttachmentRefs...)
		for _, adv := range a.AdvisoryInputs {
			refs = append(refs, contracts.AttachmentRef{SHA256: adv.SHA256, Kind: string(adv.Kind)})
		}

		for _, ref := range refs {
			data, err := b.Blobs.Get(ctx, ref.SHA256)
			if err != nil {
				continue // unresolvable refs surface via verify, not rebuild
			}
			meta := contracts.AttachmentMeta{
				SHA256:       ref.SHA256,
				MIME:         ref.MIME,
				Filename:     ref.Filename,
				SizeBytes:    int64(len(data)),
				Kind:         contracts.AttachmentKind(ref.Kind),
				CreatedAtUTC: a.CreatedAtUTC.UTC().Truncate(time.Microsecond),
			}
			if err := b.Meta.UpsertMeta(ctx, meta); err != nil {
				return stats, fmt.Errorf("rebuild meta index: upsert %s: %w", ref.SHA256, err)
			}
			stats.AttachmentsIndexed++
			seen[ref.SHA256] = struct{}{}
		}
	}
	stats.UniqueSHA256 = len(seen)
	return stats, nil
}
