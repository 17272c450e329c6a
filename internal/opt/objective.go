package opt

import (
	"crypto/sha1"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
)

// Objective maps a parameter vector to a scalar cost; lower is better.
// If the evaluation fails, positive infinity should be returned along with
// an error. Implementations used with a PoolEvaler must be safe for
// concurrent use.
type Objective interface {
	Evaluate(x []float64) (float64, error)
}

// ObjectiveFunc adapts a plain cost function.
type ObjectiveFunc func([]float64) float64

func (f ObjectiveFunc) Evaluate(x []float64) (float64, error) { return f(x), nil }

// CountingObjective counts calls to the wrapped objective.
type CountingObjective struct {
	Objective
	count atomic.Int64
}

func NewCountingObjective(obj Objective) *CountingObjective {
	return &CountingObjective{Objective: obj}
}

func (c *CountingObjective) Evaluate(x []float64) (float64, error) {
	c.count.Add(1)
	return c.Objective.Evaluate(x)
}

// Count returns the number of calls so far.
func (c *CountingObjective) Count() int { return int(c.count.Load()) }

// CachingObjective memoises a deterministic objective keyed by the exact bit
// pattern of the parameter vector. Failed evaluations are not cached.
type CachingObjective struct {
	obj   Objective
	mu    sync.Mutex
	cache map[[sha1.Size]byte]float64
	hits  int
}

func NewCachingObjective(obj Objective) *CachingObjective {
	return &CachingObjective{
		obj:   obj,
		cache: map[[sha1.Size]byte]float64{},
	}
}

func (c *CachingObjective) Evaluate(x []float64) (float64, error) {
	key := hashPoint(x)

	c.mu.Lock()
	if val, ok := c.cache[key]; ok {
		c.hits++
		c.mu.Unlock()
		return val, nil
	}
	c.mu.Unlock()

	val, err := c.obj.Evaluate(x)
	if err != nil {
		return val, err
	}

	c.mu.Lock()
	c.cache[key] = val
	c.mu.Unlock()
	return val, nil
}

// Hits returns the number of evaluations answered from the cache.
func (c *CachingObjective) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func hashPoint(x []float64) [sha1.Size]byte {
	data := make([]byte, len(x)*8)
	for i, v := range x {
		binary.BigEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return sha1.Sum(data)
}
