package devicetype

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

// ErrUnknownDeviceType is returned when the device-type can not be found.
var ErrUnknownDeviceType = errors.New("unknown device-type")

// Loader loads a device-type by name.
type Loader interface {
	LoadDeviceType(ctx context.Context, name string) (DeviceType, error)
}

// LoaderFunc implements Loader as a function.
type LoaderFunc func(ctx context.Context, name string) (DeviceType, error)

// LoadDeviceType implements the Loader interface.
func (f LoaderFunc) LoadDeviceType(ctx context.Context, name string) (DeviceType, error) {
	return f(ctx, name)
}

// StorageLoader loads device-types from the database and falls back to the
// built-in device-types.
type StorageLoader struct {
	DB sqlx.Queryer
}

// LoadDeviceType implements the Loader interface.
func (l StorageLoader) LoadDeviceType(ctx context.Context, name string) (DeviceType, error) {
	dt, err := storage.GetDeviceType(ctx, l.DB, name)
	if err == nil {
		return FromStorage(dt), nil
	}
	if errors.Cause(err) != storage.ErrDoesNotExist {
		return DeviceType{}, errors.Wrap(err, "get device-type error")
	}

	if b, ok := GetBuiltin(name); ok {
		return b, nil
	}

	return DeviceType{}, ErrUnknownDeviceType
}

// StaticLoader loads the built-in device-types only.
var StaticLoader = LoaderFunc(func(ctx context.Context, name string) (DeviceType, error) {
	if b, ok := GetBuiltin(name); ok {
		return b, nil
	}
	return DeviceType{}, ErrUnknownDeviceType
})

// Cache is a read-through device-type cache. Entries are loaded on a miss and
// kept until invalidated.
type Cache struct {
	loader Loader

	mu    sync.RWMutex
	items map[string]DeviceType
}

// NewCache creates a new Cache.
func NewCache(l Loader) *Cache {
	return &Cache{
		loader: l,
		items:  make(map[string]DeviceType),
	}
}

// Get returns the device-type for the given name.
func (c *Cache) Get(ctx context.Context, name string) (DeviceType, error) {
	c.mu.RLock()
	dt, ok := c.items[name]
	c.mu.RUnlock()
	if ok {
		cacheHitCounter().Inc()
		return dt, nil
	}

	cacheMissCounter().Inc()

	dt, err := c.loader.LoadDeviceType(ctx, name)
	if err != nil {
		return DeviceType{}, err
	}

	c.mu.Lock()
	c.items[name] = dt
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"device_type": name,
		"ctx_id":      ctx.Value(logging.ContextIDKey),
	}).Debug("devicetype: device-type loaded into cache")

	return dt, nil
}

// Invalidate removes the given device-type from the cache.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.items, name)
	c.mu.Unlock()
}

// Len returns the number of cached device-types.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
