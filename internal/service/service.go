package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"escrow-alerts/internal/correlator"
	"escrow-alerts/internal/events"
	"escrow-alerts/internal/notify"
	"escrow-alerts/internal/sniper"
	"escrow-alerts/internal/statestore"
)

// Service consumes the raw log feed and dispatches decoded events to the
// correlator, the state store, and the opportunity engine. One consumer
// loop drains the channel; each log is processed in its own goroutine so
// that enrichment and store calls never stall the socket's receive path.
type Service struct {
	decoder    *events.Decoder
	correlator *correlator.Correlator
	engine     *sniper.Engine
	state      *statestore.Store
	router     *notify.Router
	logger     zerolog.Logger

	wg sync.WaitGroup
}

// New constructs the dispatch service.
func New(decoder *events.Decoder, corr *correlator.Correlator, engine *sniper.Engine, state *statestore.Store, router *notify.Router, logger zerolog.Logger) *Service {
	return &Service{
		decoder:    decoder,
		correlator: corr,
		engine:     engine,
		state:      state,
		router:     router,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run blocks consuming the log feed until ctx is cancelled or the channel
// closes. In-flight per-log work is waited for before returning.
func (s *Service) Run(ctx context.Context, logs <-chan events.RawLog) error {
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-logs:
			if !ok {
				return nil
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.processLog(ctx, raw)
			}()
		}
	}
}

// processLog decodes and routes one raw log. Decode failures are logged and
// skipped; they must never crash the processing loop.
func (s *Service) processLog(ctx context.Context, raw events.RawLog) {
	ev, err := s.decoder.Decode(raw)
	if err != nil {
		if !errors.Is(err, events.ErrNoTopics) {
			s.logger.Debug().Err(err).Stringer("tx", raw.TxHash).Msg("log skipped")
		}
		return
	}

	switch ev.Kind {
	case events.KindDepositReceived:
		s.state.Record(statestore.DepositFact{
			DepositID:     ev.DepositID,
			Amount:        ev.Amount,
			Owner:         ev.Owner.Hex(),
			Verifier:      ev.VerifierHex(),
			LastUpdatedAt: time.Now().UTC(),
		})
		s.engine.OnRateEvent(ctx, ev)

	case events.KindDepositUpdated:
		s.state.Record(statestore.DepositFact{
			DepositID:     ev.DepositID,
			Verifier:      ev.VerifierHex(),
			LastUpdatedAt: time.Now().UTC(),
		})
		s.engine.OnRateEvent(ctx, ev)

	case events.KindDepositClosed:
		s.state.MarkClosed(ev.DepositID)

	case events.KindIntentSignaled:
		s.correlator.OnSignaled(ctx, ev)

	case events.KindIntentFulfilled:
		s.correlator.OnFulfilled(ctx, ev)

	case events.KindIntentPruned:
		s.correlator.OnPruned(ctx, ev)

	case events.KindUnrecognized:
		s.router.Unrecognized(ctx, ev.DepositID, ev.TxHash.Hex())
	}
}
