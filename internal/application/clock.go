package application

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock interface supaya gampang ditest
type Clock interface {
	Now() time.Time
}

// SystemClock implementasi default, pakai time.Now()
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }

// IDGenerator hands out scan ids.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates random v4 ids.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.New().String() }

// SequenceGenerator yields scan-1, scan-2, ... for tests.
type SequenceGenerator struct{ n uint64 }

func (g *SequenceGenerator) NewID() string {
	return fmt.Sprintf("scan-%d", atomic.AddUint64(&g.n, 1))
}
