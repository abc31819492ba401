package sadtalker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeExecutor struct {
	run func(ctx context.Context, dir, name string, args ...string) (CommandLog, error)
}

func (f fakeExecutor) Run(ctx context.Context, dir, name string, args ...string) (CommandLog, error) {
	return f.run(ctx, dir, name, args...)
}

func newTestRunner(t *testing.T, exec Executor) *Runner {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "inference.py"), []byte("# stub"), 0o600); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	r, err := New(Params{
		PythonBin: "python",
		Dir:       dir,
		OutputDir: t.TempDir(),
		Timeout:   2 * time.Second,
	}, WithExecutor(exec))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasArg(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func TestBuildInferenceArgs(t *testing.T) {
	req := Request{
		Token:      "tok",
		ImagePath:  "/tmp/tok_image.jpg",
		AudioPath:  "/tmp/tok_audio.wav",
		Preprocess: "full",
	}

	args := buildInferenceArgs(req, "/out/tok", false)
	if args[0] != "inference.py" {
		t.Fatalf("expected inference.py first, got %s", args[0])
	}
	if argValue(args, "--driven_audio") != "/tmp/tok_audio.wav" ||
		argValue(args, "--source_image") != "/tmp/tok_image.jpg" ||
		argValue(args, "--result_dir") != "/out/tok" ||
		argValue(args, "--preprocess") != "full" {
		t.Fatalf("unexpected base args: %v", args)
	}
	if hasArg(args, "--cpu") || hasArg(args, "--still") || hasArg(args, "--enhancer") {
		t.Fatalf("unexpected optional flags: %v", args)
	}

	req.Still = true
	req.UseEnhancer = true
	args = buildInferenceArgs(req, "/out/tok", true)
	if !hasArg(args, "--cpu") || !hasArg(args, "--still") {
		t.Fatalf("missing cpu/still flags: %v", args)
	}
	if argValue(args, "--enhancer") != "gfpgan" {
		t.Fatalf("expected gfpgan enhancer, got %v", args)
	}
}

func TestGenerateMovesNewestOutput(t *testing.T) {
	exec := fakeExecutor{run: func(_ context.Context, _, _ string, args ...string) (CommandLog, error) {
		resultDir := argValue(args, "--result_dir")
		older := filepath.Join(resultDir, "intermediate.mp4")
		newer := filepath.Join(resultDir, "final.mp4")
		if err := os.WriteFile(older, []byte("old"), 0o600); err != nil {
			return CommandLog{}, err
		}
		if err := os.WriteFile(newer, []byte("new"), 0o600); err != nil {
			return CommandLog{}, err
		}
		past := time.Now().Add(-time.Hour)
		if err := os.Chtimes(older, past, past); err != nil {
			return CommandLog{}, err
		}
		return CommandLog{ExitCode: 0}, nil
	}}
	r := newTestRunner(t, exec)

	out, err := r.Generate(context.Background(), Request{
		Token:     "tok-1",
		ImagePath: "/tmp/i.jpg",
		AudioPath: "/tmp/a.wav",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != r.OutputPath("tok-1") {
		t.Fatalf("expected deterministic output path, got %s", out)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "new" {
		t.Fatalf("expected newest candidate to win, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(out), "tok-1")); !os.IsNotExist(err) {
		t.Fatalf("expected per-job result dir removed: %v", err)
	}
}

func TestGenerateClassifiesTimeout(t *testing.T) {
	exec := fakeExecutor{run: func(ctx context.Context, _, _ string, _ ...string) (CommandLog, error) {
		<-ctx.Done()
		return CommandLog{ExitCode: -1}, ctx.Err()
	}}
	r := newTestRunner(t, exec)
	r.timeout = 50 * time.Millisecond

	started := time.Now()
	_, err := r.Generate(context.Background(), Request{Token: "t", ImagePath: "i", AudioPath: "a"})
	var genErr *GenerateError
	if !errors.As(err, &genErr) || genErr.Kind != KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}
}

func TestGenerateClassifiesProcessFailure(t *testing.T) {
	exec := fakeExecutor{run: func(context.Context, string, string, ...string) (CommandLog, error) {
		return CommandLog{ExitCode: 1, Stderr: "torch not found"}, errors.New("exit status 1")
	}}
	r := newTestRunner(t, exec)

	_, err := r.Generate(context.Background(), Request{Token: "t", ImagePath: "i", AudioPath: "a"})
	var genErr *GenerateError
	if !errors.As(err, &genErr) || genErr.Kind != KindProcessFailed {
		t.Fatalf("expected process_failed kind, got %v", err)
	}
	if !strings.Contains(genErr.Message, "exit code 1") {
		t.Fatalf("expected sanitized exit message, got %q", genErr.Message)
	}
	if strings.Contains(genErr.Message, "torch") {
		t.Fatalf("raw stderr leaked into message: %q", genErr.Message)
	}
}

func TestGenerateClassifiesMissingOutput(t *testing.T) {
	exec := fakeExecutor{run: func(context.Context, string, string, ...string) (CommandLog, error) {
		return CommandLog{ExitCode: 0}, nil
	}}
	r := newTestRunner(t, exec)

	_, err := r.Generate(context.Background(), Request{Token: "t", ImagePath: "i", AudioPath: "a"})
	var genErr *GenerateError
	if !errors.As(err, &genErr) || genErr.Kind != KindNoOutput {
		t.Fatalf("expected no_output kind, got %v", err)
	}
}

func TestGeneratePassesThroughCancellation(t *testing.T) {
	exec := fakeExecutor{run: func(ctx context.Context, _, _ string, _ ...string) (CommandLog, error) {
		<-ctx.Done()
		return CommandLog{ExitCode: -1}, ctx.Err()
	}}
	r := newTestRunner(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Generate(ctx, Request{Token: "t", ImagePath: "i", AudioPath: "a"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var genErr *GenerateError
	if errors.As(err, &genErr) {
		t.Fatalf("cancellation must not be classified as a generation failure: %v", err)
	}
}

func TestNewRejectsMissingInstall(t *testing.T) {
	_, err := New(Params{Dir: filepath.Join(t.TempDir(), "absent"), OutputDir: t.TempDir(), Timeout: time.Second})
	if err == nil {
		t.Fatalf("expected error for missing sadtalker dir")
	}

	dir := t.TempDir()
	_, err = New(Params{Dir: dir, OutputDir: t.TempDir(), Timeout: time.Second})
	if err == nil {
		t.Fatalf("expected error for missing inference.py")
	}
}
