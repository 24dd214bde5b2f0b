// Package proxy assigns egress identities to workers and rotates them
// between retry attempts.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"
)

// ErrEmptyPool is returned when a Rotator is constructed with no descriptors.
var ErrEmptyPool = errors.New("proxy pool is empty")

// Descriptor identifies one proxy endpoint and the egress IP behind it.
type Descriptor struct {
	Name     string `mapstructure:"name" json:"name"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	EgressIP string `mapstructure:"egress_ip" json:"egress_ip"`
}

// URL returns the proxy endpoint as an http URL string.
func (d Descriptor) URL() string {
	host := d.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, d.Port)
}

// ProxyURL parses the endpoint for use with http.Transport.
func (d Descriptor) ProxyURL() (*url.URL, error) {
	u, err := url.Parse(d.URL())
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return u, nil
}

// Zero reports whether the descriptor is the empty value, meaning
// no proxy is in use.
func (d Descriptor) Zero() bool {
	return d.Name == "" && d.Host == "" && d.Port == 0
}

func (d Descriptor) key() string {
	return d.URL()
}

// Stats summarizes how descriptors are spread across workers.
type Stats struct {
	PoolSize      int            `json:"pool_size"`
	ActiveWorkers int            `json:"active_workers"`
	Distribution  map[string]int `json:"distribution"`
}

// Rotator hands out descriptors round-robin and keeps per-worker
// assignments stable until a rotation is requested.
type Rotator struct {
	mu      sync.Mutex
	pool    []Descriptor
	next    int
	workers map[int]Descriptor
	logger  *zap.Logger
}

// NewRotator builds a Rotator over the given pool. An empty pool is a
// configuration error.
func NewRotator(pool []Descriptor, logger *zap.Logger) (*Rotator, error) {
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}
	r := &Rotator{
		pool:    append([]Descriptor(nil), pool...),
		workers: make(map[int]Descriptor),
		logger:  logger.Named("proxy"),
	}
	r.logger.Info("proxy pool initialized", zap.Int("size", len(pool)))
	for _, d := range r.pool {
		r.logger.Debug("proxy registered",
			zap.String("name", d.Name),
			zap.String("endpoint", d.URL()),
			zap.String("egress_ip", d.EgressIP),
		)
	}
	return r, nil
}

// Len returns the pool size.
func (r *Rotator) Len() int {
	return len(r.pool)
}

// Assign returns the worker's current descriptor, handing out the next
// ring entry the first time a worker is seen.
func (r *Rotator) Assign(workerID int) Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.workers[workerID]; ok {
		return d
	}
	d := r.pool[r.next%len(r.pool)]
	r.next++
	r.workers[workerID] = d
	r.logger.Debug("proxy assigned",
		zap.Int("worker", workerID),
		zap.String("name", d.Name),
	)
	return d
}

// Rotate returns the next ring entry. With more than one descriptor in
// the pool the result always differs from current; a single-entry pool
// returns the same descriptor.
func (r *Rotator) Rotate(current Descriptor) Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current.Zero() {
		d := r.pool[r.next%len(r.pool)]
		r.next++
		return d
	}

	for attempts := 0; attempts < len(r.pool); attempts++ {
		d := r.pool[r.next%len(r.pool)]
		r.next++
		if d.key() != current.key() {
			r.logger.Debug("proxy rotated",
				zap.String("from", current.Name),
				zap.String("to", d.Name),
			)
			return d
		}
	}
	return current
}

// Reassign pins a worker to the given descriptor for subsequent items.
func (r *Rotator) Reassign(workerID int, d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[workerID] = d
}

// Stats reports the current worker-to-proxy distribution.
func (r *Rotator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	dist := make(map[string]int, len(r.pool))
	for _, d := range r.workers {
		dist[d.Name]++
	}
	return Stats{
		PoolSize:      len(r.pool),
		ActiveWorkers: len(r.workers),
		Distribution:  dist,
	}
}
