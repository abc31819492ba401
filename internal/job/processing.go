package job

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"iavatar/internal/sadtalker"
)

func (m *Manager) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case token := <-m.queue:
			m.processJob(ctx, token)
		}
	}
}

// processJob runs one job to a terminal state. Terminal ledger writes use a
// background context so the record lands even while the base context is
// being torn down.
func (m *Manager) processJob(ctx context.Context, token string) {
	jobCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancels[token] = cancel
	scope := m.scopes[token]
	m.mu.Unlock()

	defer func() {
		cancel()
		if scope != nil {
			scope.Release()
		}
		m.mu.Lock()
		delete(m.cancels, token)
		delete(m.cancelAsked, token)
		delete(m.scopes, token)
		doneCh := m.done[token]
		delete(m.done, token)
		m.mu.Unlock()
		if doneCh != nil {
			close(doneCh)
		}
	}()

	current, err := m.ledger.Get(ctx, token)
	if err != nil {
		log.Error().Str("token", token).Err(err).Msg("load queued job failed")
		return
	}
	if current == nil {
		return
	}
	if current.Status != StatusQueued {
		// canceled before pickup
		log.Info().Str("token", token).Str("status", string(current.Status)).Msg("skipping job, no longer queued")
		return
	}

	startedAt := time.Now().UTC()
	picked, err := m.ledger.MarkRunning(ctx, token, startedAt)
	if err != nil {
		log.Error().Str("token", token).Err(err).Msg("mark running failed")
		return
	}
	if !picked {
		// canceled between the read and the update
		return
	}
	log.Info().Str("token", token).Msg("job started")

	outputPath, genErr := m.generate(jobCtx, sadtalker.Request{
		Token:       token,
		ImagePath:   current.ImagePath,
		AudioPath:   current.AudioPath,
		Preprocess:  current.Options.Preprocess,
		Still:       current.Options.Still,
		UseEnhancer: current.Options.UseEnhancer,
	})
	finishedAt := time.Now().UTC()

	switch {
	case genErr == nil:
		if err := m.ledger.MarkSucceeded(context.Background(), token, outputPath, finishedAt); err != nil {
			log.Error().Str("token", token).Err(err).Msg("persist succeeded state failed")
			return
		}
		log.Info().Str("token", token).Str("output", outputPath).Dur("elapsed", finishedAt.Sub(startedAt)).Msg("job succeeded")

	case errors.Is(genErr, context.Canceled):
		m.mu.RLock()
		asked := m.cancelAsked[token]
		m.mu.RUnlock()
		if asked {
			if err := m.ledger.MarkCanceled(context.Background(), token, finishedAt); err != nil {
				log.Error().Str("token", token).Err(err).Msg("persist canceled state failed")
			}
			log.Info().Str("token", token).Msg("job canceled")
			return
		}
		if err := m.ledger.MarkFailed(context.Background(), token, KindInterrupted, "interrupted by shutdown", finishedAt); err != nil {
			log.Error().Str("token", token).Err(err).Msg("persist interrupted state failed")
		}
		log.Warn().Str("token", token).Msg("job interrupted by shutdown")

	default:
		kind, message := KindInternal, "generation failed"
		var genFailure *sadtalker.GenerateError
		if errors.As(genErr, &genFailure) {
			kind, message = genFailure.Kind, genFailure.Message
		} else {
			log.Error().Str("token", token).Err(genErr).Msg("job failed outside inference")
		}
		if err := m.ledger.MarkFailed(context.Background(), token, kind, message, finishedAt); err != nil {
			log.Error().Str("token", token).Err(err).Msg("persist failed state failed")
		}
		log.Warn().Str("token", token).Str("kind", kind).Msg("job failed")
	}
}
