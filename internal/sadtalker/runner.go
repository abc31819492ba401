// Package sadtalker wraps the external SadTalker inference tool: command
// construction, bounded execution with guaranteed process-group termination,
// and placement of the generated video at its deterministic output path.
package sadtalker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"iavatar/internal/file"
)

// Closed set of failure kinds classified at this boundary. Raw subprocess
// output stays in logs; these kinds are what callers may expose.
const (
	KindTimeout       = "timeout"
	KindProcessFailed = "process_failed"
	KindNoOutput      = "no_output"
)

const (
	inferenceScript = "inference.py"
	resultSuffix    = "_result.mp4"
	defaultPreproc  = "crop"
	stderrLogLimit  = 2048
	killGracePeriod = 5 * time.Second
	resultDirPerm   = 0o750
	outputExtension = ".mp4"
	enhancerBackend = "gfpgan"
)

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// GenerateError is a classified generation failure. Message is safe to show
// to clients; CommandLog is for logs only.
type GenerateError struct {
	Kind       string
	Message    string
	CommandLog CommandLog
	Err        error
}

func (e *GenerateError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Kind, e.Message, e.CommandLog.Command, e.CommandLog.ExitCode)
}

func (e *GenerateError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Executor abstracts process execution for tests.
type Executor interface {
	Run(ctx context.Context, dir, name string, args ...string) (CommandLog, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) (CommandLog, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// own process group, so cancellation kills inference together with any
	// helpers it spawned
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return os.ErrProcessDone
			}
			return err
		}
		return nil
	}
	cmd.WaitDelay = killGracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	entry := CommandLog{
		Command: name,
		Args:    args,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		entry.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			entry.ExitCode = exitErr.ExitCode()
		}
		return entry, err
	}
	return entry, nil
}

// Request holds the inputs for one generation run.
type Request struct {
	Token       string
	ImagePath   string
	AudioPath   string
	Preprocess  string
	Still       bool
	UseEnhancer bool
}

// Params configures a Runner.
type Params struct {
	PythonBin string
	Dir       string
	OutputDir string
	Timeout   time.Duration
	ForceCPU  bool
}

// Option configures optional Runner behavior.
type Option func(*Runner)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(e Executor) Option {
	return func(r *Runner) {
		if e != nil {
			r.exec = e
		}
	}
}

// Runner invokes SadTalker. It is stateless and safe for concurrent use.
type Runner struct {
	pythonBin string
	dir       string
	outputDir string
	timeout   time.Duration
	forceCPU  bool
	exec      Executor
}

// New validates the install and constructs a Runner.
func New(p Params, opts ...Option) (*Runner, error) {
	if err := CheckInstall(p.Dir); err != nil {
		return nil, err
	}
	if p.OutputDir == "" {
		return nil, errors.New("output dir required")
	}
	if err := file.EnsureDir(p.OutputDir); err != nil {
		return nil, err
	}
	if p.PythonBin == "" {
		p.PythonBin = "python"
	}
	if p.Timeout <= 0 {
		return nil, fmt.Errorf("invalid generate timeout: %v", p.Timeout)
	}
	r := &Runner{
		pythonBin: p.PythonBin,
		dir:       p.Dir,
		outputDir: p.OutputDir,
		timeout:   p.Timeout,
		forceCPU:  p.ForceCPU,
		exec:      execRunner{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// OutputPath returns the deterministic result location for a token.
func (r *Runner) OutputPath(token string) string {
	return filepath.Join(r.outputDir, token+resultSuffix)
}

// Generate runs one inference pass and returns the final video path.
// The run is bounded by the configured timeout; on timeout or cancellation
// the subprocess group is killed, never abandoned. Success requires a zero
// exit status and at least one video in the per-job result directory; with
// several candidates the newest by modification time wins and is moved to
// the deterministic output path.
func (r *Runner) Generate(ctx context.Context, req Request) (string, error) {
	if req.Token == "" || req.ImagePath == "" || req.AudioPath == "" {
		return "", errors.New("token, image path and audio path are required")
	}
	if req.Preprocess == "" {
		req.Preprocess = defaultPreproc
	}

	resultDir := filepath.Join(r.outputDir, req.Token)
	if err := os.MkdirAll(resultDir, resultDirPerm); err != nil {
		return "", fmt.Errorf("create result dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(resultDir); err != nil {
			log.Warn().Err(err).Str("dir", resultDir).Msg("failed to remove result scratch dir")
		}
	}()

	args := buildInferenceArgs(req, resultDir, r.forceCPU)
	log.Info().Str("token", req.Token).Str("cmd", r.pythonBin+" "+strings.Join(args, " ")).Msg("running sadtalker")

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	entry, runErr := r.exec.Run(runCtx, r.dir, r.pythonBin, args...)
	if runErr != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			log.Error().Str("token", req.Token).Dur("elapsed", time.Since(started)).Msg("sadtalker timed out, process group killed")
			return "", &GenerateError{Kind: KindTimeout, Message: "video generation timeout", CommandLog: entry, Err: runErr}
		case errors.Is(runCtx.Err(), context.Canceled):
			return "", runCtx.Err()
		default:
			log.Error().Str("token", req.Token).Int("exit_code", entry.ExitCode).Str("stderr", tail(entry.Stderr, stderrLogLimit)).Msg("sadtalker failed")
			return "", &GenerateError{
				Kind:       KindProcessFailed,
				Message:    fmt.Sprintf("inference process failed with exit code %d", entry.ExitCode),
				CommandLog: entry,
				Err:        runErr,
			}
		}
	}

	winner, err := newestVideo(resultDir)
	if err != nil {
		return "", fmt.Errorf("scan result dir: %w", err)
	}
	if winner == "" {
		log.Error().Str("token", req.Token).Str("stdout", tail(entry.Stdout, stderrLogLimit)).Msg("sadtalker produced no output video")
		return "", &GenerateError{Kind: KindNoOutput, Message: "no output video generated", CommandLog: entry}
	}

	outputPath := r.OutputPath(req.Token)
	if err := file.ReplaceFile(winner, outputPath); err != nil {
		return "", fmt.Errorf("place output: %w", err)
	}
	log.Info().Str("token", req.Token).Str("output", outputPath).Dur("elapsed", time.Since(started)).Msg("sadtalker finished")
	return outputPath, nil
}

func buildInferenceArgs(req Request, resultDir string, forceCPU bool) []string {
	args := []string{
		inferenceScript,
		"--driven_audio", req.AudioPath,
		"--source_image", req.ImagePath,
		"--result_dir", resultDir,
		"--preprocess", req.Preprocess,
	}
	if forceCPU {
		args = append(args, "--cpu")
	}
	if req.Still {
		args = append(args, "--still")
	}
	if req.UseEnhancer {
		args = append(args, "--enhancer", enhancerBackend)
	}
	return args
}

// newestVideo returns the newest-by-mtime video in dir, or "" when none
// exist. Newest wins when the tool leaves intermediate artifacts behind.
func newestVideo(dir string) (string, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	var newest string
	var newestMod time.Time
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(item.Name()), outputExtension) {
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, item.Name())
			newestMod = info.ModTime()
		}
	}
	return newest, nil
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
