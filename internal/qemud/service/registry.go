// Package service implements the named service registry: connect/save/load
// callbacks keyed by service name, each with a client-count cap enforced
// before a new client is ever created.
package service

import (
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/client"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/snapshot"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qerrors"
)

// Connect is invoked to produce a new client for a connect request. It must
// call client.New (directly or indirectly) and wire the client's callbacks;
// the returned client is registered against the service automatically.
type Connect func(channel int, param string, hasParam bool) (*client.Client, error)

// Save writes service-specific persisted state (beyond name/caps).
type Save func(w io.Writer) error

// Load restores service-specific persisted state.
type Load func(r io.Reader) error

// Service is a named endpoint new clients connect to. MaxClients == 0 means
// unlimited.
type Service struct {
	Name       string
	MaxClients int

	connect Connect
	save    Save
	load    Load

	numClients int32
	clientsHead *serviceClientNode
	next        *Service
}

type serviceClientNode struct {
	c    *client.Client
	next *serviceClientNode
}

// Registry is an ordered sequence of services, looked up by name.
type Registry struct {
	head *Service
}

// Register allocates a Service, prepends it to the registry, and returns it.
func (r *Registry) Register(name string, maxClients int, connect Connect, save Save, load Load) *Service {
	s := &Service{
		Name:       name,
		MaxClients: maxClients,
		connect:    connect,
		save:       save,
		load:       load,
	}
	s.next = r.head
	r.head = s
	return s
}

// Find performs a linear scan by name, returning nil on no match.
func (r *Registry) Find(name string) *Service {
	for s := r.head; s != nil; s = s.next {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Owning returns the service c is currently registered against, or nil if
// none (a client not connected through any service, which shouldn't happen
// in practice but is not this method's job to assert).
func (r *Registry) Owning(c *client.Client) *Service {
	for s := r.head; s != nil; s = s.next {
		for n := s.clientsHead; n != nil; n = n.next {
			if n.c == c {
				return s
			}
		}
	}
	return nil
}

// Each calls fn for every registered service, in reverse registration order
// (most recently registered first, matching the prepend-ordered list).
func (r *Registry) Each(fn func(*Service)) {
	for s := r.head; s != nil; s = s.next {
		fn(s)
	}
}

// Count returns the number of registered services.
func (r *Registry) Count() int {
	n := 0
	r.Each(func(*Service) { n++ })
	return n
}

// NumClients returns the service's current client count, authoritative for
// the MaxClients cap check.
func (s *Service) NumClients() int { return int(atomic.LoadInt32(&s.numClients)) }

// AddClient registers c against the service's private client list and bumps
// NumClients. Also installs the hook Disconnect uses to remove c again.
func (s *Service) AddClient(c *client.Client) {
	node := &serviceClientNode{c: c, next: s.clientsHead}
	s.clientsHead = node
	atomic.AddInt32(&s.numClients, 1)
	c.SetRemoveFromService(s.RemoveClient)
}

// RemoveClient unlinks c from the service's private client list.
func (s *Service) RemoveClient(c *client.Client) {
	pnode := &s.clientsHead
	for *pnode != nil {
		if (*pnode).c == c {
			*pnode = (*pnode).next
			atomic.AddInt32(&s.numClients, -1)
			return
		}
		pnode = &(*pnode).next
	}
}

// ConnectClient invokes the service's connect callback, which must produce a
// client; on success the client is added to the service's list. The
// max_clients cap is the caller's responsibility to check first (the
// multiplexer does so while holding its control-channel lock).
func (s *Service) ConnectClient(channel int, param string, hasParam bool) (*client.Client, error) {
	if s.connect == nil {
		return nil, qerrors.NewServiceError("service.connect", fmt.Errorf("service %q has no connect callback", s.Name))
	}
	c, err := s.connect(channel, param, hasParam)
	if err != nil {
		return nil, qerrors.NewServiceError("service.connect", err)
	}
	if c == nil {
		return nil, qerrors.NewServiceError("service.connect", fmt.Errorf("service %q declined the connection", s.Name))
	}
	s.AddClient(c)
	return c, nil
}

// Broadcast sends bytes to every client currently registered with the
// service, concurrently, matching the original's "send to every client"
// semantics without imposing interleaving ordering across clients.
func (s *Service) Broadcast(payload []byte) error {
	var g errgroup.Group
	for n := s.clientsHead; n != nil; n = n.next {
		c := n.c
		g.Go(func() error {
			return c.Send(payload)
		})
	}
	return g.Wait()
}

// Save writes the service's persisted header (name, caps) followed by its
// service-specific save callback output.
func (s *Service) Save(w io.Writer) error {
	if err := snapshot.PutString(w, s.Name); err != nil {
		return err
	}
	if err := snapshot.PutU32(w, uint32(s.MaxClients)); err != nil {
		return err
	}
	if err := snapshot.PutU32(w, uint32(s.NumClients())); err != nil {
		return err
	}
	if s.save != nil {
		return s.save(w)
	}
	return nil
}

// LoadInto reads a saved service header, locates the matching currently
// registered service by name, overwrites its MaxClients (the saved
// NumClients is discarded; reconnects rebuild it), and invokes its
// service-specific load callback.
func (r *Registry) LoadInto(rd io.Reader) error {
	name, err := snapshot.GetString(rd)
	if err != nil {
		return err
	}
	maxClients, err := snapshot.GetU32(rd)
	if err != nil {
		return err
	}
	if _, err := snapshot.GetU32(rd); err != nil { // saved num_clients, discarded
		return err
	}
	sv := r.Find(name)
	if sv == nil {
		return qerrors.NewSnapshotError("service.load", fmt.Errorf("service %q not registered", name))
	}
	sv.MaxClients = int(maxClients)
	if sv.load != nil {
		return sv.load(rd)
	}
	return nil
}
