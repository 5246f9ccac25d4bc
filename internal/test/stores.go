package test

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

// ErrInjected is the error returned by the in-memory stores when failure
// injection is enabled.
var ErrInjected = errors.New("injected storage error")

// GatewaySessionStore is an in-memory gateway session store.
type GatewaySessionStore struct {
	mu       sync.Mutex
	sessions map[storage.Key]storage.GatewaySession
	changed  map[storage.Key]time.Time

	// Writes holds the number of write operations (create, save, delete).
	Writes int

	// CreateLimit, when > 0, limits the number of sessions created per call.
	CreateLimit int

	CreateErr error
	GetErr    error
	SaveErr   error
	DeleteErr error
	ExistsErr error
}

// NewGatewaySessionStore creates a new GatewaySessionStore.
func NewGatewaySessionStore() *GatewaySessionStore {
	return &GatewaySessionStore{
		sessions: make(map[storage.Key]storage.GatewaySession),
		changed:  make(map[storage.Key]time.Time),
	}
}

// Put stores the session without counting it as a write.
func (s *GatewaySessionStore) Put(gs storage.GatewaySession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[gs.Key()] = gs
}

// Has returns true when a session exists for the given key.
func (s *GatewaySessionStore) Has(key storage.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[key]
	return ok
}

// Len returns the number of stored sessions.
func (s *GatewaySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SetSaveErr sets the save error.
func (s *GatewaySessionStore) SetSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveErr = err
}

// WriteCount returns the number of write operations.
func (s *GatewaySessionStore) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Writes
}

// CreateGatewaySessions creates the given sessions, skipping existing ones.
func (s *GatewaySessionStore) CreateGatewaySessions(ctx context.Context, sessions []storage.GatewaySession) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Writes++
	if s.CreateErr != nil {
		return 0, s.CreateErr
	}

	var count int
	for _, gs := range sessions {
		if s.CreateLimit > 0 && count >= s.CreateLimit {
			break
		}
		if _, ok := s.sessions[gs.Key()]; ok {
			continue
		}
		s.sessions[gs.Key()] = gs
		count++
	}

	return count, nil
}

// GetGatewaySession returns the session for the given key.
func (s *GatewaySessionStore) GetGatewaySession(ctx context.Context, key storage.Key) (storage.GatewaySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.GetErr != nil {
		return storage.GatewaySession{}, s.GetErr
	}

	gs, ok := s.sessions[key]
	if !ok {
		return gs, storage.ErrDoesNotExist
	}
	return gs, nil
}

// SaveGatewaySession overwrites an existing session.
func (s *GatewaySessionStore) SaveGatewaySession(ctx context.Context, gs storage.GatewaySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Writes++
	if s.SaveErr != nil {
		return s.SaveErr
	}

	if _, ok := s.sessions[gs.Key()]; !ok {
		return storage.ErrDoesNotExist
	}
	s.sessions[gs.Key()] = gs
	return nil
}

// DeleteGatewaySession deletes the session for the given key.
func (s *GatewaySessionStore) DeleteGatewaySession(ctx context.Context, key storage.Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Writes++
	if s.DeleteErr != nil {
		return 0, s.DeleteErr
	}

	delete(s.changed, key)
	if _, ok := s.sessions[key]; !ok {
		return 0, nil
	}
	delete(s.sessions, key)
	return 1, nil
}

// GetGatewaySessionChanged returns the changed flag of the given device.
func (s *GatewaySessionStore) GetGatewaySessionChanged(ctx context.Context, key storage.Key) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.changed[key]
	if !ok {
		return time.Time{}, storage.ErrDoesNotExist
	}
	return ts, nil
}

// SetGatewaySessionChanged sets the changed flag of the given device.
func (s *GatewaySessionStore) SetGatewaySessionChanged(ctx context.Context, key storage.Key, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed[key] = ts
	return nil
}

// GetExistingGatewaySessionKeys returns the keys for which a session exists.
func (s *GatewaySessionStore) GetExistingGatewaySessionKeys(ctx context.Context, keys []storage.Key) ([]storage.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ExistsErr != nil {
		return nil, s.ExistsErr
	}

	var out []storage.Key
	for _, k := range keys {
		if _, ok := s.sessions[k]; ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// ApplicationSessionStore is an in-memory application session store.
type ApplicationSessionStore struct {
	mu       sync.Mutex
	sessions map[storage.Key]storage.ApplicationSession

	// Writes holds the number of write operations (create, update, delete).
	Writes int

	// CreateLimit, when > 0, limits the number of sessions created per call.
	CreateLimit int

	CreateErr        error
	GetErr           error
	UpdateErr        error
	CommandBufferErr error
	DeleteErr        error
	ExistsErr        error
}

// NewApplicationSessionStore creates a new ApplicationSessionStore.
func NewApplicationSessionStore() *ApplicationSessionStore {
	return &ApplicationSessionStore{
		sessions: make(map[storage.Key]storage.ApplicationSession),
	}
}

// Put stores the session without counting it as a write.
func (s *ApplicationSessionStore) Put(as storage.ApplicationSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[as.Key()] = as
}

// Has returns true when a session exists for the given key.
func (s *ApplicationSessionStore) Has(key storage.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[key]
	return ok
}

// Len returns the number of stored sessions.
func (s *ApplicationSessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// WriteCount returns the number of write operations.
func (s *ApplicationSessionStore) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Writes
}

// CreateApplicationSessions creates the given sessions. Like the PostgreSQL
// implementation, nothing is created when one of the sessions exists.
func (s *ApplicationSessionStore) CreateApplicationSessions(ctx context.Context, sessions []storage.ApplicationSession) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Writes++
	if s.CreateErr != nil {
		return 0, s.CreateErr
	}

	for _, as := range sessions {
		if _, ok := s.sessions[as.Key()]; ok {
			return 0, storage.ErrAlreadyExists
		}
	}

	var count int
	for _, as := range sessions {
		if s.CreateLimit > 0 && count >= s.CreateLimit {
			break
		}
		s.sessions[as.Key()] = copyApplicationSession(as)
		count++
	}

	return count, nil
}

// GetApplicationSession returns the session for the given key.
func (s *ApplicationSessionStore) GetApplicationSession(ctx context.Context, key storage.Key) (storage.ApplicationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.GetErr != nil {
		return storage.ApplicationSession{}, s.GetErr
	}

	as, ok := s.sessions[key]
	if !ok {
		return as, storage.ErrDoesNotExist
	}
	return copyApplicationSession(as), nil
}

// UpdateApplicationSession overwrites an existing session, except for its
// command buffers.
func (s *ApplicationSessionStore) UpdateApplicationSession(ctx context.Context, as *storage.ApplicationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Writes++
	if s.UpdateErr != nil {
		return s.UpdateErr
	}

	old, ok := s.sessions[as.Key()]
	if !ok {
		return storage.ErrDoesNotExist
	}

	updated := copyApplicationSession(*as)
	updated.CommandBuffers = old.CommandBuffers
	s.sessions[as.Key()] = updated
	return nil
}

// UpdateCommandBuffer replaces the command buffer of a single channel.
func (s *ApplicationSessionStore) UpdateCommandBuffer(ctx context.Context, key storage.Key, channel int, buf storage.CommandBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Writes++
	if s.CommandBufferErr != nil {
		return s.CommandBufferErr
	}

	as, ok := s.sessions[key]
	if !ok {
		return storage.ErrDoesNotExist
	}
	if as.CommandBuffers == nil {
		as.CommandBuffers = make(storage.CommandBuffers)
	}
	as.CommandBuffers[channel] = buf
	s.sessions[key] = as
	return nil
}

// DeleteApplicationSession deletes the session for the given key.
func (s *ApplicationSessionStore) DeleteApplicationSession(ctx context.Context, key storage.Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Writes++
	if s.DeleteErr != nil {
		return 0, s.DeleteErr
	}

	if _, ok := s.sessions[key]; !ok {
		return 0, nil
	}
	delete(s.sessions, key)
	return 1, nil
}

// GetExistingApplicationSessionKeys returns the keys for which a session
// exists.
func (s *ApplicationSessionStore) GetExistingApplicationSessionKeys(ctx context.Context, keys []storage.Key) ([]storage.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ExistsErr != nil {
		return nil, s.ExistsErr
	}

	var out []storage.Key
	for _, k := range keys {
		if _, ok := s.sessions[k]; ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func copyApplicationSession(as storage.ApplicationSession) storage.ApplicationSession {
	if as.CommandBuffers != nil {
		bufs := make(storage.CommandBuffers, len(as.CommandBuffers))
		for k, v := range as.CommandBuffers {
			bufs[k] = v
		}
		as.CommandBuffers = bufs
	}
	if as.MulticastGroups != nil {
		as.MulticastGroups = append(as.MulticastGroups[:0:0], as.MulticastGroups...)
	}
	return as
}
