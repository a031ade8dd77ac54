package scanner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/tubesort/internal/sorter"
)

// SimDevice produces sequential identifiers for development without a
// reader. Every NoReadEvery-th position reads as NoRead when positive.
type SimDevice struct {
	GroupSize   int
	Prefix      string
	NoReadEvery int

	mu       sync.Mutex
	next     int
	triggers int
}

var _ sorter.Scanner = (*SimDevice)(nil)

func NewSimDevice(groupSize int) *SimDevice {
	return &SimDevice{GroupSize: groupSize, Prefix: "SIM"}
}

func (s *SimDevice) TriggerAndRead(ctx context.Context, dwell time.Duration) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(dwell):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers++
	ids := make([]string, s.GroupSize)
	for i := range ids {
		s.next++
		if s.NoReadEvery > 0 && s.next%s.NoReadEvery == 0 {
			ids[i] = sorter.NoRead
			continue
		}
		ids[i] = fmt.Sprintf("%s%06d", s.Prefix, s.next)
	}
	return strings.Join(ids, ";"), nil
}

// Triggers returns how many reads were made.
func (s *SimDevice) Triggers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}
