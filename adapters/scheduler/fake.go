package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeScheduler 是測試用的記憶體排程器，只記錄註冊與撤銷
type FakeScheduler struct {
	mu        sync.Mutex
	seq       int
	Scheduled map[string]time.Time
	Cancelled []string
}

// NewFakeScheduler 建立測試用的記憶體排程器
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{Scheduled: make(map[string]time.Time)}
}

func (s *FakeScheduler) Schedule(ctx context.Context, auctionID uuid.UUID, fireAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	handle := TaskTypeAuctionClose + ":" + auctionID.String()
	s.Scheduled[handle] = fireAt
	return handle, nil
}

func (s *FakeScheduler) Cancel(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Scheduled, handle)
	s.Cancelled = append(s.Cancelled, handle)
	return nil
}
