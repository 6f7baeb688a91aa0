// Package cooldown decides which (login, message) candidates may be sent now.
//
// The decision and the send record are written in one store transaction, so
// concurrent batches that share a login see each other's claims. Any store
// failure fails closed: nothing is eligible and the candidates are dropped.
package cooldown

import (
	"context"
	"log/slog"
	"time"

	"github.com/albapepper/pushgate/internal/metrics"
	"github.com/albapepper/pushgate/internal/store"
)

// Claimer is the store operation the arbiter relies on.
type Claimer interface {
	ClaimEligible(ctx context.Context, pairs []store.Pair, now time.Time) ([]store.Pair, error)
}

// Set holds eligible pairs.
type Set map[store.Pair]struct{}

func (s Set) Has(loginID, messageID int64) bool {
	_, ok := s[store.Pair{LoginID: loginID, MessageID: messageID}]
	return ok
}

type Arbiter struct {
	claimer Claimer
	logger  *slog.Logger
	now     func() time.Time
}

func New(claimer Claimer, logger *slog.Logger) *Arbiter {
	return &Arbiter{claimer: claimer, logger: logger, now: time.Now}
}

// Eligible claims the candidates and returns the ones that may be sent.
func (a *Arbiter) Eligible(ctx context.Context, candidates []store.Pair) Set {
	pairs := store.UniquePairs(candidates)
	if len(pairs) == 0 {
		return Set{}
	}

	claimed, err := a.claimer.ClaimEligible(ctx, pairs, a.now())
	if err != nil {
		a.logger.Error("Cooldown arbitration failed, dropping candidates",
			"candidates", len(pairs), "error", err)
		metrics.ArbiterDecisionsTotal.WithLabelValues("failed").Add(float64(len(pairs)))
		return Set{}
	}

	set := make(Set, len(claimed))
	for _, p := range claimed {
		set[p] = struct{}{}
	}
	metrics.ArbiterDecisionsTotal.WithLabelValues("eligible").Add(float64(len(set)))
	metrics.ArbiterDecisionsTotal.WithLabelValues("blocked").Add(float64(len(pairs) - len(set)))
	a.logger.Debug("Cooldown arbitration", "candidates", len(pairs), "eligible", len(set))
	return set
}
