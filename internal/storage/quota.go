package storage

import (
	"context"
	"fmt"
	"io/fs"
)

// Quota is a point-in-time estimate of storage use.
type Quota struct {
	UsageBytes uint64
	QuotaBytes uint64
}

// Available returns the bytes still free under the quota.
func (q Quota) Available() uint64 {
	if q.UsageBytes >= q.QuotaBytes {
		return 0
	}
	return q.QuotaBytes - q.UsageBytes
}

// EstimateQuota reports bytes used under the root and the total the root
// may grow to.
func (b *Backend) EstimateQuota(ctx context.Context) (Quota, error) {
	root, _, err := b.handles()
	if err != nil {
		return Quota{}, err
	}
	if err := ctx.Err(); err != nil {
		return Quota{}, err
	}

	var usage uint64
	err = fs.WalkDir(root.FS(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		usage += uint64(info.Size())
		return nil
	})
	if err != nil {
		return Quota{}, fmt.Errorf("%w: measure usage: %w", ErrReadFailed, err)
	}

	avail, err := availableBytes(b.opts.Root)
	if err != nil {
		return Quota{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	q := Quota{UsageBytes: usage, QuotaBytes: usage + avail}
	if b.opts.QuotaBytes > 0 && (avail == 0 || b.opts.QuotaBytes < q.QuotaBytes) {
		q.QuotaBytes = b.opts.QuotaBytes
	}
	return q, nil
}
