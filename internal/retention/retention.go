package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/db"
)

type Config struct {
	Interval    time.Duration
	MaxAge      time.Duration
	KeepPerRoom int
}

func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Minute,
		MaxAge:      7 * 24 * time.Hour,
		KeepPerRoom: 50,
	}
}

// Result reports what one sweep removed
type Result struct {
	Expired int64
	Trimmed int64
	Rooms   int
}

// Service prunes run history on a timer
type Service struct {
	database *db.Database
	config   Config
	log      *slog.Logger
	now      func() time.Time
}

func New(database *db.Database, config Config, logger *slog.Logger) *Service {
	return &Service{
		database: database,
		config:   config,
		log:      logger,
		now:      time.Now,
	}
}

// Run sweeps once immediately, then every Interval until ctx is done
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("retention started",
		"interval", s.config.Interval, "max_age", s.config.MaxAge, "keep_per_room", s.config.KeepPerRoom)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention stopped")
			return nil
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Service) sweepAndLog(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("retention sweep failed", "err", err)
		}
		return
	}
	if res.Expired > 0 || res.Trimmed > 0 {
		s.log.Info("run history pruned", "expired", res.Expired, "trimmed", res.Trimmed, "rooms", res.Rooms)
	}
}

// Sweep drops runs older than MaxAge, then caps each room at KeepPerRoom.
// A zero MaxAge or KeepPerRoom disables that half of the sweep.
func (s *Service) Sweep(ctx context.Context) (Result, error) {
	var res Result

	if s.config.MaxAge > 0 {
		n, err := s.database.DeleteRunsBefore(ctx, s.now().Add(-s.config.MaxAge))
		if err != nil {
			return res, err
		}
		res.Expired = n
	}

	if s.config.KeepPerRoom <= 0 {
		return res, nil
	}

	rooms, err := s.database.RoomsWithRuns(ctx)
	if err != nil {
		return res, err
	}
	for _, rr := range rooms {
		if rr.Count <= s.config.KeepPerRoom {
			continue
		}
		n, err := s.database.TrimRuns(ctx, rr.RoomID, s.config.KeepPerRoom)
		if err != nil {
			s.log.Warn("trim failed", "room", rr.RoomID, "err", err)
			continue
		}
		res.Trimmed += n
		res.Rooms++
	}
	return res, nil
}
