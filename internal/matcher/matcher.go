package matcher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/example/safewalk/internal/eta"
	"github.com/example/safewalk/internal/models"
	"github.com/example/safewalk/internal/observability"
)

type Geo interface {
	Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]models.Escort, error)
}

// Busy reports escorts that already hold a live request.
type Busy interface {
	ByEscort(ctx context.Context, escortID string) (*models.RequestRecord, error)
}

type Service struct {
	Geo     Geo
	Busy    Busy
	ETA     *eta.Estimator
	RadiusM float64
	TopN    int
	// Codes generates pairing codes; nil uses NewCode.
	Codes func() (string, error)
}

// Match assigns the escort with the shortest walk to the pickup. anchor is
// the point to search around; nil searches without a radius. The record is
// modified in place but not persisted.
func (s *Service) Match(ctx context.Context, rec *models.RequestRecord, anchor *models.Coord) (models.Escort, bool, error) {
	start := time.Now()
	if s.TopN <= 0 {
		s.TopN = 10
	}
	at, radius := models.Origin, 0.0
	if anchor != nil {
		at, radius = *anchor, s.RadiusM
	}
	cands, err := s.Geo.Nearby(ctx, at, radius, s.TopN)
	if err != nil {
		return models.Escort{}, false, fmt.Errorf("nearby escorts: %w", err)
	}

	type scored struct {
		e      models.Escort
		etaSec float64
	}
	scoredList := make([]scored, 0, len(cands))
	for _, e := range cands {
		if !e.Online || rec.DeclinedBy(e.ID) {
			continue
		}
		if _, err := s.Busy.ByEscort(ctx, e.ID); err == nil {
			continue
		} else if !errors.Is(err, models.ErrNotFound) {
			return models.Escort{}, false, fmt.Errorf("escort %s: %w", e.ID, err)
		}
		var etaSec float64
		if anchor != nil {
			etaSec = s.estimator().Seconds(ctx, e.Loc, at)
		}
		scoredList = append(scoredList, scored{e, etaSec})
	}
	if len(scoredList) == 0 {
		observability.NoMatchTotal.Inc()
		return models.Escort{}, false, nil
	}
	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].etaSec < scoredList[j].etaSec })

	best := scoredList[0]
	if rec.Code == "" {
		code, err := s.newCode()
		if err != nil {
			return models.Escort{}, false, err
		}
		rec.Code = code
	}
	rec.EscortID = best.e.ID
	rec.ETASeconds = int(math.Round(best.etaSec))
	rec.Walking = false
	rec.UpdatedAt = time.Now()

	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	return best.e, true, nil
}

func (s *Service) estimator() *eta.Estimator {
	if s.ETA == nil {
		return &eta.Estimator{SpeedMps: eta.DefaultWalkingSpeedMps}
	}
	return s.ETA
}

func (s *Service) newCode() (string, error) {
	if s.Codes != nil {
		return s.Codes()
	}
	return NewCode()
}

// NewCode returns a random four digit pairing code.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("pairing code: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
