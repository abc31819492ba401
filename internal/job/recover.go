package job

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Recover reconciles state left over from a previous process: jobs that were
// queued or running when the service died become failed/interrupted, and
// orphaned scratch uploads are swept. Call once before Start.
func (m *Manager) Recover(ctx context.Context) error {
	reset, err := m.ledger.ResetInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("reset interrupted jobs: %w", err)
	}
	if reset > 0 {
		log.Warn().Int64("jobs", reset).Msg("marked leftover jobs as interrupted")
	}

	swept, err := m.scratch.Sweep()
	if err != nil {
		return fmt.Errorf("sweep scratch dir: %w", err)
	}
	if swept > 0 {
		log.Info().Int("files", swept).Msg("swept orphaned scratch files")
	}
	return nil
}
