package dm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/larkin-io/go-dm/internal/constants"
	"github.com/larkin-io/go-dm/internal/deferred"
	"github.com/larkin-io/go-dm/internal/devreg"
	"github.com/larkin-io/go-dm/internal/hookpool"
	"github.com/larkin-io/go-dm/internal/logging"
	"github.com/larkin-io/go-dm/internal/mapping"
	"github.com/larkin-io/go-dm/internal/registry"
)

// State represents a device's position in its lifecycle state
// machine: Blank -> Active <-> Suspended -> Removed, the re-architected
// form of the original driver's DM_ACTIVE/use_count bit pair.
type State string

const (
	StateBlank     State = "blank"
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateRemoved   State = "removed"
)

// targetRange is one entry of a bound mapping table: a sector range,
// the name of the target type that owns it (for registry refcounting
// on teardown), and the live target instance.
type targetRange struct {
	start    uint64
	end      uint64
	typeName string
	target   Target
}

// boundTable is a fully constructed, immutable mapping table together
// with its search tree, analogous to the original's struct dm_table.
type boundTable struct {
	ranges []targetRange
	tree   *mapping.Table
}

// TableLine is one line of a device's mapping table: a sector range
// plus the target type and its construction arguments, mirroring the
// textual table format `dmsetup` feeds the real kernel driver.
type TableLine struct {
	Start uint64
	End   uint64 // inclusive, highest sector this range covers
	Type  string
	Args  []string
}

// Device is a single virtual block device: its lifecycle state, bound
// mapping table, and the per-device resources (hook pool, deferred
// queue, metrics) the request path needs.
type Device struct {
	Minor int
	Name  string

	engine *Engine

	mu       sync.RWMutex
	state    State
	useCount int
	table    *boundTable

	inFlight   int64
	drainCond  *sync.Cond
	hooks      *hookpool.Pool
	deferredQ  *deferred.Queue

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// Geometry reports the synthetic disk geometry the original driver
// reports through HDIO_GETGEO for external compatibility.
type Geometry struct {
	Heads     uint8
	Sectors   uint8
	Cylinders uint32
}

// State returns the device's current lifecycle state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// IsActive reports whether the device is currently accepting I/O.
func (d *Device) IsActive() bool {
	return d.State() == StateActive
}

// SizeSectors returns the device's total addressable size in sectors,
// the highest sector covered by the bound table plus one, or 0 if no
// table is bound. Grounded on the original's VOLUME_SIZE macro.
func (d *Device) SizeSectors() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.table == nil || len(d.table.ranges) == 0 {
		return 0
	}
	return d.table.ranges[len(d.table.ranges)-1].end + 1
}

// Geometry synthesizes a disk geometry for this device, matching the
// original driver's dm_blk_ioctl HDIO_GETGEO handling: a fixed
// heads/sectors-per-track pair with cylinders derived from the volume
// size.
func (d *Device) Geometry() Geometry {
	sectors := d.SizeSectors()
	return Geometry{
		Heads:     constants.GeometryHeads,
		Sectors:   constants.GeometrySectorsPerTrack,
		Cylinders: uint32(sectors / constants.GeometrySectorsPerCylinder),
	}
}

// Open increments the device's use count, the only legal way to keep
// it alive against a concurrent remove — mirroring dm_blk_open's
// MOD_INC_USE_COUNT. Fails with ErrCodeNoSuchDevice once the device
// has been removed.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateRemoved {
		return NewDeviceError("open", d.Minor, ErrCodeNoSuchDevice, "device has been removed")
	}
	d.useCount++
	return nil
}

// Close decrements the device's use count, the counterpart to Open.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.useCount > 0 {
		d.useCount--
	}
	return nil
}

// Metrics returns the device's metrics instance.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the device's
// metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Engine owns the device registry and target-type registry. It is the
// re-architected replacement for the original driver's global
// _devs[MAX_DEVICES] + _dev_lock pair: an owned object constructed
// once and threaded through explicitly, never package-level state.
type Engine struct {
	devices *devreg.Registry
	targets *registry.Registry
	logger  *logging.Logger
}

// EngineOptions configures a new Engine.
type EngineOptions struct {
	MaxDevices int
	Logger     *logging.Logger
}

// DefaultEngineOptions returns sane defaults.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		MaxDevices: constants.MaxDevices,
		Logger:     logging.Default(),
	}
}

// NewEngine constructs an Engine ready to create devices.
func NewEngine(opts EngineOptions) *Engine {
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = constants.MaxDevices
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Engine{
		devices: devreg.New(opts.MaxDevices),
		targets: registry.New(),
		logger:  opts.Logger,
	}
}

// RegisterTargetType makes a target type available for mapping-table
// lines to reference by name.
func (e *Engine) RegisterTargetType(tt TargetType) error {
	return e.targets.Register(tt.Name(), func(args []string) (any, error) {
		return tt.Create(args)
	})
}

// DeviceOptions configures a newly created device.
type DeviceOptions struct {
	Minor          int // pass AutoAssignMinor to let the engine pick one
	Name           string
	HookPoolSize   int
	Observer       Observer
}

// DefaultDeviceOptions returns sane defaults.
func DefaultDeviceOptions() DeviceOptions {
	return DeviceOptions{
		Minor:        constants.AutoAssignMinor,
		HookPoolSize: constants.DefaultHookPoolSize,
	}
}

// Create allocates a new Blank device. If opts.Name is empty, a name
// is synthesized so every device has a stable human identifier even
// when the caller doesn't supply one.
func (e *Engine) Create(opts DeviceOptions) (*Device, error) {
	if opts.HookPoolSize <= 0 {
		opts.HookPoolSize = constants.DefaultHookPoolSize
	}
	name := opts.Name
	if name == "" {
		name = "dm-" + uuid.NewString()[:8]
	}

	metrics := NewMetrics()
	observer := opts.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	dev := &Device{
		Name:      name,
		engine:    e,
		state:     StateBlank,
		hooks:     hookpool.New(opts.HookPoolSize),
		deferredQ: deferred.New(),
		metrics:   metrics,
		observer:  observer,
		logger:    e.logger,
	}
	dev.drainCond = sync.NewCond(&dev.mu)

	minor, err := e.devices.Alloc(opts.Minor, dev)
	if err != nil {
		return nil, WrapError("create", err)
	}
	dev.Minor = minor

	e.logger.Info("device created", "minor", minor, "name", name)
	return dev, nil
}

// Get looks up a device by minor number.
func (e *Engine) Get(minor int) (*Device, error) {
	v, ok := e.devices.Get(minor)
	if !ok {
		return nil, NewDeviceError("lookup", minor, ErrCodeNoSuchDevice, "no such device")
	}
	return v.(*Device), nil
}

// List returns the minors of all currently registered devices.
func (e *Engine) List() []int {
	return e.devices.List()
}

// BindTable constructs target instances for every line and builds the
// mapping-table search tree, storing the result on dev. Allowed only
// while the device is Blank or Suspended — never against a live
// Active table, matching the original's refusal to swap bindings out
// from under in-flight I/O.
func (e *Engine) BindTable(dev *Device, lines []TableLine) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.state != StateBlank && dev.state != StateSuspended {
		return NewDeviceError("bind", dev.Minor, ErrCodeBusy, "table can only be bound while blank or suspended")
	}
	if len(lines) == 0 {
		return NewDeviceError("bind", dev.Minor, ErrCodeEmptyTable, "mapping table has no ranges")
	}

	ranges := make([]targetRange, 0, len(lines))
	highs := make([]uint64, 0, len(lines))
	var prevEnd int64 = -1
	for _, line := range lines {
		if int64(line.Start) != prevEnd+1 {
			e.releaseRanges(ranges)
			return NewDeviceError("bind", dev.Minor, ErrCodeInvalidParams,
				fmt.Sprintf("range starting at %d is not contiguous with the preceding range", line.Start))
		}
		if line.End < line.Start {
			e.releaseRanges(ranges)
			return NewDeviceError("bind", dev.Minor, ErrCodeInvalidParams, "range end precedes its start")
		}
		if !e.targets.Known(line.Type) {
			e.releaseRanges(ranges)
			return NewDeviceError("bind", dev.Minor, ErrCodeUnknownTarget,
				fmt.Sprintf("unknown target type %q", line.Type))
		}

		raw, err := e.targets.Create(line.Type, line.Args)
		if err != nil {
			e.releaseRanges(ranges)
			return WrapError("bind", err)
		}
		target, ok := raw.(Target)
		if !ok {
			e.targets.Release(line.Type)
			e.releaseRanges(ranges)
			return NewDeviceError("bind", dev.Minor, ErrCodeUnsupported,
				fmt.Sprintf("target type %q did not return a Target", line.Type))
		}

		ranges = append(ranges, targetRange{start: line.Start, end: line.End, typeName: line.Type, target: target})
		highs = append(highs, line.End)
		prevEnd = int64(line.End)
	}

	tree, err := mapping.Build(constants.DefaultFanout, highs)
	if err != nil {
		e.releaseRanges(ranges)
		return WrapError("bind", err)
	}

	if dev.table != nil {
		e.destroyTable(dev.table)
	}
	dev.table = &boundTable{ranges: ranges, tree: tree}
	return nil
}

func (e *Engine) releaseRanges(ranges []targetRange) {
	for _, r := range ranges {
		r.target.Close()
		e.targets.Release(r.typeName)
	}
}

func (e *Engine) destroyTable(t *boundTable) {
	if t == nil {
		return
	}
	e.releaseRanges(t.ranges)
}

// Activate transitions a device with a bound table into Active. It is
// the sole control-plane re-entry point after a suspend, matching
// dm_activate: the device must have a non-empty table bound (via
// BindTable) and must not already be active. When the transition is
// Suspended -> Active, it flushes the deferred queue exactly as
// dm_activate's __flush_deferred_io does, re-submitting every parked
// request against the newly (re-)bound table so nothing parked during
// the suspend window is ever stranded.
func (e *Engine) Activate(dev *Device) error {
	dev.mu.Lock()
	if dev.state != StateBlank && dev.state != StateSuspended {
		dev.mu.Unlock()
		return NewDeviceError("activate", dev.Minor, ErrCodeBusy, fmt.Sprintf("cannot activate from state %q", dev.state))
	}
	if dev.table == nil {
		dev.mu.Unlock()
		return NewDeviceError("activate", dev.Minor, ErrCodeEmptyTable, "no table bound")
	}
	wasSuspended := dev.state == StateSuspended
	dev.state = StateActive
	dev.mu.Unlock()

	e.logger.Info("device activated", "minor", dev.Minor)
	if wasSuspended {
		e.flushDeferred(dev)
	}
	return nil
}

// flushDeferred detaches every request parked on dev's deferred queue
// and resubmits each one, so it re-enters the request path and is
// mapped against the table Activate just (re-)bound — matching
// dm_activate's __flush_deferred_io, which replays by calling
// generic_make_request again rather than completing the parked
// buffer_heads directly. A request Submit cannot re-map (e.g. now out
// of range against a replacement table) is completed with that error
// itself, since no outer block layer is left to do so on replay.
func (e *Engine) flushDeferred(dev *Device) {
	drained := dev.deferredQ.DrainAll()
	for _, item := range drained {
		req, ok := item.(*Request)
		if !ok {
			continue
		}
		if err := e.Submit(dev, req); err != nil {
			req.Complete(err)
		}
	}
	e.logger.Info("deferred queue flushed", "minor", dev.Minor, "count", len(drained))
}

// Suspend stops new I/O from mapping and blocks until every in-flight
// request on this device has completed, matching the original's
// dm_suspend drain loop — an uninterruptible wait that re-checks the
// in-flight count under the lock on every wake to avoid a lost
// wakeup. On return the table is detached (dm_suspend's final
// `md->map = 0`), so ACTIVE-clear and table-unbound move together;
// reactivating requires binding a table again via BindTable before
// calling Activate.
//
// Suspend on a device that is not Active is a no-op, matching
// dm_suspend's own `!is_active` short-circuit: there is no table
// bound and nothing in flight to drain.
func (e *Engine) Suspend(dev *Device) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.state != StateActive {
		return nil
	}

	start := time.Now()
	dev.state = StateSuspended
	for dev.inFlight > 0 {
		dev.drainCond.Wait()
	}
	e.destroyTable(dev.table)
	dev.table = nil
	if dev.observer != nil {
		dev.observer.ObserveSuspendDrain(time.Since(start))
	}
	e.logger.Info("device suspended", "minor", dev.Minor, "drain_ns", time.Since(start).Nanoseconds())
	return nil
}

// Deactivate clears ACTIVE and detaches a device's table directly from
// Active, with no prior suspend required — matching dm_deactivate,
// which gates only on use-count, not on having been suspended first.
// It performs a host-level sync outside the write lock (a hook point
// only: this engine has no real kernel block layer to sync, per the
// Non-goal excluding it), then re-acquires the lock and re-checks
// use-count, the double-checked-locking guard against a racing Open
// landing in the sync window.
func (e *Engine) Deactivate(dev *Device) error {
	dev.mu.Lock()
	if dev.state != StateActive {
		dev.mu.Unlock()
		return NewDeviceError("deactivate", dev.Minor, ErrCodeBusy, fmt.Sprintf("cannot deactivate from state %q", dev.state))
	}
	if dev.useCount > 0 {
		dev.mu.Unlock()
		return NewDeviceError("deactivate", dev.Minor, ErrCodeBusy, "device is still open")
	}
	dev.mu.Unlock()

	e.syncDevice(dev)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.useCount > 0 {
		return NewDeviceError("deactivate", dev.Minor, ErrCodeBusy, "device is still open")
	}
	if dev.state != StateActive {
		return NewDeviceError("deactivate", dev.Minor, ErrCodeBusy, fmt.Sprintf("cannot deactivate from state %q", dev.state))
	}
	if dev.table != nil {
		e.destroyTable(dev.table)
		dev.table = nil
	}
	dev.state = StateBlank
	e.logger.Info("device deactivated", "minor", dev.Minor)
	return nil
}

// syncDevice is the hook point for dm_deactivate's fsync_dev call,
// issued outside the write lock before the use-count is re-checked.
// No real block device backs this engine (out of scope per spec's
// Non-goals), so there is nothing to flush; it exists to keep the
// double-checked-locking shape intact for a future real backing store.
func (e *Engine) syncDevice(dev *Device) {
	e.logger.Debug("syncing device", "minor", dev.Minor)
}

// Remove permanently destroys a device: it must be non-ACTIVE (Blank
// or Suspended) with a zero use count, matching the original's
// refusal to remove a device still open. Suspend already detaches and
// releases the table, so removing directly from Suspended leaks
// nothing; Deactivate is not a prerequisite. A table bound to a Blank
// device that was never activated is released here.
func (e *Engine) Remove(dev *Device) error {
	dev.mu.Lock()
	if dev.state != StateBlank && dev.state != StateSuspended {
		dev.mu.Unlock()
		return NewDeviceError("remove", dev.Minor, ErrCodeBusy, fmt.Sprintf("cannot remove from state %q", dev.state))
	}
	if dev.useCount > 0 {
		dev.mu.Unlock()
		return NewDeviceError("remove", dev.Minor, ErrCodeBusy, "device is still open")
	}
	dev.state = StateRemoved
	if dev.table != nil {
		e.destroyTable(dev.table)
		dev.table = nil
	}
	dev.mu.Unlock()

	e.devices.Remove(dev.Minor)
	e.logger.Info("device removed", "minor", dev.Minor, "name", dev.Name)
	return nil
}

// ParseTableLine parses one dmsetup-style table line
// ("<start> <end> <type> <args...>") into a TableLine.
func ParseTableLine(line string) (TableLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return TableLine{}, fmt.Errorf("malformed table line: %q", line)
	}
	var start, end uint64
	if _, err := fmt.Sscanf(fields[0], "%d", &start); err != nil {
		return TableLine{}, fmt.Errorf("invalid start sector in %q: %w", line, err)
	}
	if _, err := fmt.Sscanf(fields[1], "%d", &end); err != nil {
		return TableLine{}, fmt.Errorf("invalid end sector in %q: %w", line, err)
	}
	return TableLine{Start: start, End: end, Type: fields[2], Args: fields[3:]}, nil
}
