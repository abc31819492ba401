package sadtalker

import (
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// Readiness reports the capability checks performed once at startup. It is
// passed by value into request handlers and never mutated afterwards.
type Readiness struct {
	Initialized  bool
	GPUAvailable bool
}

const probeScript = "import torch; raise SystemExit(0 if torch.cuda.is_available() else 1)"

// ProbeGPU reports whether a CUDA device is usable. The probe shells out to
// the configured interpreter; any failure at all, from a missing binary to a
// timeout, means no accelerator.
func ProbeGPU(ctx context.Context, pythonBin string, timeout time.Duration) bool {
	if pythonBin == "" {
		pythonBin = "python"
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, pythonBin, "-c", probeScript)
	if err := cmd.Run(); err != nil {
		log.Info().Err(err).Msg("gpu probe negative, forcing cpu mode")
		return false
	}
	log.Info().Msg("gpu probe positive")
	return true
}
