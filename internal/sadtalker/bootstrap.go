package sadtalker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// CheckInstall verifies the SadTalker checkout is usable. A failure here is
// fatal to startup.
func CheckInstall(dir string) error {
	if dir == "" {
		return errors.New("sadtalker dir not configured")
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("sadtalker not found at %s: %w", dir, err)
	}
	if _, err := os.Stat(filepath.Join(dir, inferenceScript)); err != nil {
		return fmt.Errorf("%s not found in %s: %w", inferenceScript, dir, err)
	}
	return nil
}

// Bootstrap runs the checkpoint download script if the checkout ships one.
// Any failure, including timeout, is a warning; startup continues either way.
func Bootstrap(ctx context.Context, dir string, timeout time.Duration) {
	script := filepath.Join(dir, "scripts", "download_models.sh")
	if _, err := os.Stat(script); err != nil {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", script)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("script", script).Msg("checkpoint download timeout, continuing anyway")
			return
		}
		log.Warn().Err(err).Str("stderr", tail(stderr.String(), stderrLogLimit)).Msg("checkpoint download warning")
		return
	}
	log.Info().Str("script", script).Msg("checkpoint bootstrap completed")
}
