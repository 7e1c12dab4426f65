// Package pipe implements PipeTransport, the contract exposed to the host
// pipe bridge: per-connection byte channels identified by an opaque Handle,
// with an outbound queue owned by each Client and wake/close signalling back
// into the bridge.
package pipe

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/client"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/service"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/snapshot"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qerrors"
)

// maxServiceNameLen truncates the service portion of connect_args, matching
// the original's 511-byte cap before lookup.
const maxServiceNameLen = 511

// WakeFlags mirrors the host bridge's PIPE_WAKE_* bitmask.
type WakeFlags int

const (
	WakeRead WakeFlags = 1 << iota
	WakeWrite
)

// ErrWouldBlock is the distinguished "nothing queued yet" return from
// RecvBuffers; it is not a failure.
var ErrWouldBlock = errors.New("pipe: would block")

// ErrUnknownHandle is returned for any operation against a Handle the
// Transport doesn't recognize (already closed, or never valid).
var ErrUnknownHandle = errors.New("pipe: unknown handle")

// HostBridge is the subset of the host pipe bridge the Transport calls
// outbound: waking a guest reader and requesting pipe teardown. hwpipe is an
// opaque reference the bridge itself defines; the core never interprets it.
type HostBridge interface {
	SignalWake(hwpipe any, flags WakeFlags)
	Close(hwpipe any)
}

// Handle is the opaque token returned by Init and threaded through every
// subsequent bridge call for that connection.
type Handle uuid.UUID

type conn struct {
	hwpipe  any
	service *service.Service
	client  *client.Client
}

// bridgeAdapter satisfies client.PipeBridge for a single connection,
// forwarding into the Transport's HostBridge with that connection's hwpipe.
type bridgeAdapter struct {
	t *Transport
	c *conn
}

func (a *bridgeAdapter) WakeRead()     { a.t.bridge.SignalWake(a.c.hwpipe, WakeRead) }
func (a *bridgeAdapter) RequestClose() { a.t.bridge.Close(a.c.hwpipe) }

// Transport is the per-serial-line pipe bridge: it owns every open
// connection's Handle -> (hwpipe, service, client) binding.
type Transport struct {
	bridge   HostBridge
	services *service.Registry

	mu    sync.Mutex
	conns map[uuid.UUID]*conn
}

// New creates a Transport bound to a host bridge and the multiplexer's
// service registry.
func New(bridge HostBridge, services *service.Registry) *Transport {
	return &Transport{bridge: bridge, services: services, conns: make(map[uuid.UUID]*conn)}
}

// Init parses connectArgs as "<service>[:<params>]", looks up the named
// service, and asks it to connect a fresh Pipe client. Returns an opaque
// Handle binding hwpipe to that client.
func (t *Transport) Init(hwpipe any, connectArgs string) (Handle, error) {
	name, param, hasParam := splitConnectArgs(connectArgs)

	sv := t.services.Find(name)
	if sv == nil {
		return Handle{}, qerrors.NewServiceError("pipe.init", errors.New("unknown service: "+name))
	}

	c, err := sv.ConnectClient(-1, param, hasParam)
	if err != nil {
		return Handle{}, err
	}

	id := uuid.New()
	pc := &conn{hwpipe: hwpipe, service: sv, client: c}
	c.BindPipe(&bridgeAdapter{t: t, c: pc})

	t.mu.Lock()
	t.conns[id] = pc
	t.mu.Unlock()

	return Handle(id), nil
}

func splitConnectArgs(args string) (service, param string, hasParam bool) {
	idx := strings.IndexByte(args, ':')
	if idx < 0 {
		service = args
	} else {
		service = args[:idx]
		param = args[idx+1:]
		hasParam = true
	}
	if len(service) > maxServiceNameLen {
		service = service[:maxServiceNameLen]
	}
	return service, param, hasParam
}

func (t *Transport) lookup(h Handle) *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[uuid.UUID(h)]
}

// CloseFromGuest tears the client down in response to the guest closing its
// end of the pipe, then forgets the handle.
func (t *Transport) CloseFromGuest(h Handle) {
	pc := t.lookup(h)
	if pc == nil {
		return
	}
	pc.client.Disconnect(true)
	t.mu.Lock()
	delete(t.conns, uuid.UUID(h))
	t.mu.Unlock()
}

// SendBuffers concatenates buffers and delivers them to the client's Recv.
// Returns total bytes consumed, or -1 if the client has already been closed.
func (t *Transport) SendBuffers(h Handle, buffers [][]byte) (int, error) {
	pc := t.lookup(h)
	if pc == nil || pc.client.IsClosing() {
		return -1, nil
	}
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	data := make([]byte, 0, total)
	for _, b := range buffers {
		data = append(data, b...)
	}
	pc.client.Recv(data)
	return total, nil
}

// RecvBuffers walks buffers and the client's queued outbound messages,
// copying and advancing offsets, stopping when either the buffer list or the
// queue is exhausted. Returns ErrWouldBlock (not a failure) if nothing is
// queued at all.
func (t *Transport) RecvBuffers(h Handle, buffers [][]byte) (int, error) {
	pc := t.lookup(h)
	if pc == nil {
		return 0, ErrUnknownHandle
	}
	if !pc.client.PendingBytes() {
		return 0, ErrWouldBlock
	}
	total := 0
	for _, b := range buffers {
		if len(b) == 0 {
			continue
		}
		n := pc.client.DrainInto(b)
		total += n
		if !pc.client.PendingBytes() {
			break
		}
	}
	return total, nil
}

// Poll reports readiness: writable is always true; readable iff the
// client's outbound queue is non-empty.
func (t *Transport) Poll(h Handle) (readable, writable bool) {
	writable = true
	pc := t.lookup(h)
	if pc != nil {
		readable = pc.client.PendingBytes()
	}
	return readable, writable
}

// WakeOn signals the bridge immediately if READ readiness was requested and
// the outbound queue is already non-empty.
func (t *Transport) WakeOn(h Handle, flags WakeFlags) {
	pc := t.lookup(h)
	if pc == nil {
		return
	}
	if flags&WakeRead != 0 && pc.client.PendingBytes() {
		t.bridge.SignalWake(pc.hwpipe, WakeRead)
	}
}

// Save persists this pipe connection: service name, param, the outbound
// queue, the client's service-specific save output, then its framing state.
func (t *Transport) Save(h Handle, w io.Writer) error {
	pc := t.lookup(h)
	if pc == nil {
		return qerrors.NewSnapshotError("pipe.save", ErrUnknownHandle)
	}
	if err := snapshot.PutString(w, pc.service.Name); err != nil {
		return err
	}
	param, hasParam := pc.client.Param()
	if !hasParam {
		param = ""
	}
	if err := snapshot.PutString(w, param); err != nil {
		return err
	}
	if err := pc.client.SavePipeQueue(w); err != nil {
		return err
	}
	if err := pc.client.SaveCustom(w); err != nil {
		return err
	}
	return pc.client.SaveFraming(w)
}

// Load restores a pipe connection previously written by Save, reconnecting
// to the named service and binding the fresh client to hwpipe.
func (t *Transport) Load(hwpipe any, r io.Reader) (Handle, error) {
	name, err := snapshot.GetString(r)
	if err != nil {
		return Handle{}, err
	}
	param, err := snapshot.GetString(r)
	if err != nil {
		return Handle{}, err
	}

	sv := t.services.Find(name)
	if sv == nil {
		return Handle{}, qerrors.NewSnapshotError("pipe.load", errors.New("service not registered: "+name))
	}

	c, err := sv.ConnectClient(-1, param, param != "")
	if err != nil {
		return Handle{}, err
	}
	if err := c.LoadPipeQueue(r); err != nil {
		return Handle{}, err
	}
	if err := c.LoadCustom(r); err != nil {
		return Handle{}, err
	}
	if err := c.LoadFraming(r); err != nil {
		return Handle{}, err
	}

	id := uuid.New()
	pc := &conn{hwpipe: hwpipe, service: sv, client: c}
	c.BindPipe(&bridgeAdapter{t: t, c: pc})

	t.mu.Lock()
	t.conns[id] = pc
	t.mu.Unlock()

	return Handle(id), nil
}
