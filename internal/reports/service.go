package reports

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/data"
	"github.com/technosupport/ts-inventory/internal/inventory"
	"github.com/technosupport/ts-inventory/internal/metrics"
)

// Store is the durable report repository.
type Store interface {
	Create(ctx context.Context, r *inventory.Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*inventory.Report, error)
	ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]*inventory.Report, error)
	Latest(ctx context.Context, deviceID string) (*inventory.Report, error)
}

// Service records reports to every configured sink. Each sink is optional.
// Only a Store failure fails Record; the other sinks are best effort.
type Service struct {
	Store     Store
	Cache     *Cache
	Publisher *NATSPublisher
	Hub       *Hub
	Dedup     *Dedup

	recent *lru.Cache[uuid.UUID, inventory.Report]
	log    *zap.Logger
}

// NewService keeps the last recentSize reports in memory so lookups work
// when no database is configured.
func NewService(recentSize int, log *zap.Logger) *Service {
	if recentSize <= 0 {
		recentSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	recent, _ := lru.New[uuid.UUID, inventory.Report](recentSize)
	return &Service{recent: recent, log: log.Named("reports")}
}

func (s *Service) Record(ctx context.Context, r inventory.Report) error {
	if s.Store != nil {
		if err := s.Store.Create(ctx, &r); err != nil {
			metrics.RecordSinkError("db")
			return err
		}
	}
	s.recent.Add(r.ID, r)

	if s.Cache != nil && r.DeviceID != "" {
		if err := s.Cache.SaveLatest(ctx, r); err != nil {
			metrics.RecordSinkError("redis")
			s.log.Warn("cache latest report", zap.String("report_id", r.ID.String()), zap.Error(err))
		}
	}
	if s.Publisher != nil {
		if err := s.Publisher.Publish(r); err != nil {
			metrics.RecordSinkError("nats")
			s.log.Warn("publish report", zap.String("report_id", r.ID.String()), zap.Error(err))
		}
	}
	if s.Hub != nil {
		s.Hub.Broadcast(r)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*inventory.Report, error) {
	if r, ok := s.recent.Get(id); ok {
		return &r, nil
	}
	if s.Store == nil {
		return nil, data.ErrRecordNotFound
	}
	return s.Store.GetByID(ctx, id)
}

// Latest tries Redis, then the database, then the in-memory window.
func (s *Service) Latest(ctx context.Context, deviceID string) (*inventory.Report, error) {
	if s.Cache != nil {
		r, err := s.Cache.GetLatest(ctx, deviceID)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			s.log.Warn("read latest from cache", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	if s.Store != nil {
		return s.Store.Latest(ctx, deviceID)
	}
	list := s.recentFor(deviceID)
	if len(list) == 0 {
		return nil, data.ErrRecordNotFound
	}
	return list[0], nil
}

func (s *Service) List(ctx context.Context, deviceID string, limit, offset int) ([]*inventory.Report, error) {
	if s.Store != nil {
		return s.Store.ListByDevice(ctx, deviceID, limit, offset)
	}
	list := s.recentFor(deviceID)
	if limit <= 0 {
		limit = 50
	}
	offset = max(0, min(offset, len(list)))
	return list[offset:min(len(list), offset+limit)], nil
}

// recentFor returns the in-memory reports of a device, newest first.
func (s *Service) recentFor(deviceID string) []*inventory.Report {
	out := []*inventory.Report{}
	for _, id := range s.recent.Keys() {
		r, ok := s.recent.Peek(id)
		if ok && r.DeviceID == deviceID {
			out = append(out, &r)
		}
	}
	// Keys are oldest first; ties on CreatedAt keep newest first.
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b *inventory.Report) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// Lookup returns a report already produced for the same upload and options.
func (s *Service) Lookup(key string) (inventory.Report, bool) {
	if s.Dedup == nil {
		return inventory.Report{}, false
	}
	return s.Dedup.Lookup(key)
}

func (s *Service) Remember(key string, r inventory.Report) {
	if s.Dedup != nil {
		s.Dedup.Remember(key, r)
	}
}
