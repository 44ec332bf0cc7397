// Package bluez is the Linux classic backend. It talks to the BlueZ daemon over the
// system D-Bus for discovery, bonding and adapter state, and opens RFCOMM sockets
// directly for data links.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/cskr/pubsub/v2"
	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/groutine"
)

const (
	bluezService   = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	objectManager  = "org.freedesktop.DBus.ObjectManager"
	propertiesIfce = "org.freedesktop.DBus.Properties"

	signalInterfacesAdded   = objectManager + ".InterfacesAdded"
	signalInterfacesRemoved = objectManager + ".InterfacesRemoved"
	signalPropertiesChanged = propertiesIfce + ".PropertiesChanged"
)

// pubsub topics
const (
	topicDevice  = "device"
	topicAdapter = "adapter"
	topicBond    = "bond"
)

// Options select the adapter and the classic link parameters.
type Options struct {
	Adapter         string
	RFCOMMChannel   uint8
	FallbackChannel uint8
	// DiscoveryWindow ends a discovery session nobody cancelled.
	DiscoveryWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		Adapter:         "hci0",
		RFCOMMChannel:   1,
		FallbackChannel: 2,
		DiscoveryWindow: 12 * time.Second,
	}
}

// caller invokes a BlueZ method on an object path.
type caller interface {
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call
}

type systemBus struct {
	conn *dbus.Conn
}

func (s systemBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call {
	return s.conn.Object(bluezService, path).CallWithContext(ctx, method, 0, args...)
}

// event is one decoded BlueZ signal. props holds the merged device properties for
// device events and the changed set for adapter events.
type event struct {
	path    dbus.ObjectPath
	props   map[string]dbus.Variant
	changed map[string]dbus.Variant
	added   bool
	removed bool
}

type bondEvent struct {
	device device.Device
	state  device.BondState
}

// Backend implements the platform contracts on top of BlueZ.
type Backend struct {
	bus         caller
	opts        Options
	adapterPath dbus.ObjectPath
	logger      *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closer io.Closer
	pumper *groutine.Routine

	events *pubsub.PubSub[string, event]
	bonds  *pubsub.PubSub[string, bondEvent]

	// devices caches merged Device1 properties per object path.
	devices    *xsync.MapOf[dbus.ObjectPath, map[string]dbus.Variant]
	bondStates *xsync.MapOf[dbus.ObjectPath, device.BondState]

	scanMu  sync.Mutex
	session *discoverySession
}

// New connects to the system bus and subscribes to BlueZ signals.
func New(opts Options, logger *logrus.Logger) (*Backend, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "system-bus"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot connect to the system bus"),
		)
	}

	for _, member := range []struct{ iface, name string }{
		{objectManager, "InterfacesAdded"},
		{objectManager, "InterfacesRemoved"},
		{propertiesIfce, "PropertiesChanged"},
	} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchSender(bluezService),
			dbus.WithMatchInterface(member.iface),
			dbus.WithMatchMember(member.name),
		); err != nil {
			_ = conn.Close()
			return nil, fault.Wrap(err,
				fctx.With(context.Background(), "error_at", "add-match", "member", member.name),
				ftag.With(ftag.Internal),
				fmsg.With("Cannot subscribe to BlueZ signals"),
			)
		}
	}

	signals := make(chan *dbus.Signal, 64)
	conn.Signal(signals)

	b := newBackend(systemBus{conn: conn}, signals, opts, logger)
	b.closer = conn
	if err := b.primeCache(); err != nil {
		b.logger.WithError(err).Warn("Failed to read BlueZ objects")
	}
	return b, nil
}

func newBackend(bus caller, signals <-chan *dbus.Signal, opts Options, logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	d := DefaultOptions()
	if opts.Adapter == "" {
		opts.Adapter = d.Adapter
	}
	if opts.RFCOMMChannel == 0 {
		opts.RFCOMMChannel = d.RFCOMMChannel
	}
	if opts.FallbackChannel == 0 {
		opts.FallbackChannel = d.FallbackChannel
	}
	if opts.DiscoveryWindow <= 0 {
		opts.DiscoveryWindow = d.DiscoveryWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		bus:         bus,
		opts:        opts,
		adapterPath: dbus.ObjectPath("/org/bluez/" + opts.Adapter),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		events:      pubsub.New[string, event](64),
		bonds:       pubsub.New[string, bondEvent](16),
		devices:     xsync.NewMapOf[dbus.ObjectPath, map[string]dbus.Variant](),
		bondStates:  xsync.NewMapOf[dbus.ObjectPath, device.BondState](),
	}
	b.pumper = groutine.Go(ctx, "bluez-signals", func(ctx context.Context) { b.pump(ctx, signals) })
	return b
}

// Close stops discovery, the signal pump and the bus connection.
func (b *Backend) Close() error {
	if b.ctx.Err() != nil {
		return nil
	}
	_ = b.CancelDiscovery()
	b.cancel()
	b.pumper.Wait()
	b.events.Shutdown()
	b.bonds.Shutdown()
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}

// pump decodes BlueZ signals, keeps the device cache current and fans events out.
func (b *Backend) pump(ctx context.Context, signals <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			b.route(sig)
		}
	}
}

func (b *Backend) route(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	switch sig.Name {
	case signalInterfacesAdded:
		var (
			path   dbus.ObjectPath
			ifaces map[string]map[string]dbus.Variant
		)
		if err := dbus.Store(sig.Body, &path, &ifaces); err != nil {
			return
		}
		props, ok := ifaces[deviceIface]
		if !ok || !b.ownsDevice(path) {
			return
		}
		merged := b.mergeDevice(path, props)
		b.events.TryPub(event{path: path, props: merged, changed: props, added: true}, topicDevice)
		b.observeBond(path, merged)

	case signalInterfacesRemoved:
		var (
			path   dbus.ObjectPath
			ifaces []string
		)
		if err := dbus.Store(sig.Body, &path, &ifaces); err != nil {
			return
		}
		for _, iface := range ifaces {
			if iface == deviceIface {
				b.devices.Delete(path)
				b.bondStates.Delete(path)
				b.events.TryPub(event{path: path, removed: true}, topicDevice)
			}
		}

	case signalPropertiesChanged:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch {
		case iface == adapterIface && sig.Path == b.adapterPath:
			b.events.TryPub(event{path: sig.Path, props: changed, changed: changed}, topicAdapter)
		case iface == deviceIface && b.ownsDevice(sig.Path):
			merged := b.mergeDevice(sig.Path, changed)
			b.events.TryPub(event{path: sig.Path, props: merged, changed: changed}, topicDevice)
			b.observeBond(sig.Path, merged)
		}
	}
}

func (b *Backend) ownsDevice(path dbus.ObjectPath) bool {
	return parentPath(path) == b.adapterPath
}

// mergeDevice folds changed into the cached properties of path and returns a copy.
func (b *Backend) mergeDevice(path dbus.ObjectPath, changed map[string]dbus.Variant) map[string]dbus.Variant {
	merged, _ := b.devices.Compute(path, func(old map[string]dbus.Variant, _ bool) (map[string]dbus.Variant, bool) {
		next := make(map[string]dbus.Variant, len(old)+len(changed))
		for k, v := range old {
			next[k] = v
		}
		for k, v := range changed {
			next[k] = v
		}
		return next, false
	})
	return merged
}

// observeBond publishes a bond-state transition derived from cached properties. A
// device seen for the first time unbonded is recorded silently, and an unpaired report
// during a running Pair call is left for the call to settle.
func (b *Backend) observeBond(path dbus.ObjectPath, props map[string]dbus.Variant) {
	state := bondStateOf(props)
	prev, known := b.bondStates.Load(path)
	switch {
	case !known && state == device.BondNone:
		b.bondStates.Store(path, state)
	case known && prev == state:
	case known && prev == device.BondBonding && state == device.BondNone:
	default:
		b.publishBond(path, props, state)
	}
}

func (b *Backend) publishBond(path dbus.ObjectPath, props map[string]dbus.Variant, state device.BondState) {
	b.bondStates.Store(path, state)
	if b.ctx.Err() != nil {
		return
	}
	d := deviceOf(path, props)
	d.BondState = state
	b.logger.WithFields(logrus.Fields{
		"address": d.Address,
		"state":   state,
	}).Debug("Bond state changed")
	b.bonds.TryPub(bondEvent{device: d, state: state}, topicBond)
}

// primeCache loads every known device under the adapter.
func (b *Backend) primeCache() error {
	objects, err := b.managedObjects()
	if err != nil {
		return err
	}
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || !b.ownsDevice(path) {
			continue
		}
		merged := b.mergeDevice(path, props)
		b.bondStates.Store(path, bondStateOf(merged))
	}
	return nil
}

func (b *Backend) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := b.bus.Call(b.ctx, "/", objectManager+".GetManagedObjects")
	if call.Err != nil {
		return nil, wrapCall(call.Err, "get-managed-objects", "Cannot list BlueZ objects")
	}
	if len(call.Body) == 1 {
		if m, ok := call.Body[0].(map[dbus.ObjectPath]map[string]map[string]dbus.Variant); ok {
			return m, nil
		}
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("decode managed objects: %w", err)
	}
	return objects, nil
}

func (b *Backend) adapterProperty(name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := b.bus.Call(b.ctx, b.adapterPath, propertiesIfce+".Get", adapterIface, name)
	if call.Err != nil {
		return v, wrapCall(call.Err, "adapter-property", "Cannot read adapter property "+name)
	}
	if len(call.Body) == 0 {
		return v, fmt.Errorf("adapter property %s: empty reply", name)
	}
	v, ok := call.Body[0].(dbus.Variant)
	if !ok {
		return v, fmt.Errorf("adapter property %s: unexpected reply %T", name, call.Body[0])
	}
	return v, nil
}

// subscribe delivers events of topic to fn on a named goroutine until stop.
func subscribe[T any](b *Backend, ps *pubsub.PubSub[string, T], topic, name string, fn func(T)) (stop func(), err error) {
	if b.ctx.Err() != nil {
		return nil, errBackendClosed
	}
	ch := ps.Sub(topic)
	var (
		once    sync.Once
		stopped = make(chan struct{})
	)
	groutine.Go(context.Background(), name, func(context.Context) {
		for v := range ch {
			select {
			case <-stopped:
				continue
			default:
			}
			fn(v)
		}
	})
	return func() {
		once.Do(func() {
			close(stopped)
			if b.ctx.Err() == nil {
				go ps.Unsub(ch, topic)
			}
		})
	}, nil
}

var errBackendClosed = errors.New("bluez backend closed")

// wrapCall tags a failed D-Bus call, keeping BlueZ error names matchable by
// device.NormalizeError.
func wrapCall(err error, at, msg string) error {
	tag := ftag.Internal
	if name := dbusErrorName(err); name != "" {
		switch name {
		case "org.bluez.Error.DoesNotExist", "org.freedesktop.DBus.Error.UnknownObject":
			tag = ftag.NotFound
		case "org.bluez.Error.NotAuthorized", "org.freedesktop.DBus.Error.AccessDenied":
			tag = ftag.PermissionDenied
		case "org.bluez.Error.AlreadyExists", "org.bluez.Error.InProgress":
			tag = ftag.AlreadyExists
		case "org.bluez.Error.AuthenticationCanceled":
			tag = ftag.Cancelled
		}
		err = fmt.Errorf("%s: %w", name, err)
	}
	return fault.Wrap(device.NormalizeError(err),
		fctx.With(context.Background(), "error_at", at),
		ftag.With(tag),
		fmsg.With(msg),
	)
}

func dbusErrorName(err error) string {
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	return ""
}
