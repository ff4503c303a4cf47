package dm

import "fmt"

// BmapResult is the answer to a block-mapping query: the queried
// device's minor and the sector its owning target resolves a logical
// sector to. A target's MapResult carries only a sector, so Device is
// always the queried device's own minor; no backing device is
// reported. Kept as two separate fields rather than one aliased
// field, resolving the
// version/sector-conversion typo in the original driver's
// dm_user_bmap, which wrote the resolved device into lv_dev twice.
type BmapResult struct {
	Device uint32
	Sector uint64
}

// BmapQuery resolves the sector a logical sector maps to through its
// owning target, without performing any I/O. The owning target must
// advertise FeatureSupportsBmap; a target that doesn't is reported as
// ErrCodeUnsupported.
func (e *Engine) BmapQuery(dev *Device, sector uint64) (BmapResult, error) {
	dev.mu.RLock()
	state := dev.state
	tbl := dev.table
	dev.mu.RUnlock()

	if state != StateActive {
		return BmapResult{}, NewDeviceError("bmap", dev.Minor, ErrCodeNoSuchDevice, fmt.Sprintf("device not active (state=%s)", state))
	}
	if tbl == nil {
		return BmapResult{}, NewDeviceError("bmap", dev.Minor, ErrCodeEmptyTable, "no table bound")
	}

	idx, ok := tbl.tree.Lookup(sector)
	if !ok {
		return BmapResult{}, NewDeviceError("bmap", dev.Minor, ErrCodeIOError, fmt.Sprintf("sector %d out of range", sector))
	}
	rng := tbl.ranges[idx]

	if !HasFeature(rng.target.Features(), FeatureSupportsBmap) {
		return BmapResult{}, NewDeviceError("bmap", dev.Minor, ErrCodeUnsupported, fmt.Sprintf("target %q does not support bmap", rng.typeName))
	}

	hook, ok := dev.hooks.Get()
	if !ok {
		return BmapResult{}, NewDeviceError("bmap", dev.Minor, ErrCodeOutOfMemory, "hook pool exhausted")
	}
	defer dev.hooks.Put(hook)

	stub := &Request{Op: OpRead, Sector: sector - rng.start}
	result := rng.target.Map(stub)
	if result.Kind == MapError {
		return BmapResult{}, WrapError("bmap", result.Err)
	}

	return BmapResult{Device: uint32(dev.Minor), Sector: result.Sector}, nil
}
