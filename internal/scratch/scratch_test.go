package scratch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScopeSaveAndRelease(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	sc := store.Begin("tok-1")
	imgPath, err := sc.SaveImage(strings.NewReader("jpeg bytes"))
	if err != nil {
		t.Fatalf("save image: %v", err)
	}
	audPath, err := sc.SaveAudio(strings.NewReader("wav bytes"))
	if err != nil {
		t.Fatalf("save audio: %v", err)
	}

	if filepath.Base(imgPath) != "tok-1_image.jpg" || filepath.Base(audPath) != "tok-1_audio.wav" {
		t.Fatalf("unexpected scratch names: %s, %s", imgPath, audPath)
	}
	for _, p := range []string{imgPath, audPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s on disk: %v", p, err)
		}
	}

	sc.Release()
	for _, p := range []string{imgPath, audPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed after release", p)
		}
	}

	// second release is a no-op, and the scope refuses new writes
	sc.Release()
	if _, err := sc.SaveImage(strings.NewReader("late")); err == nil {
		t.Fatalf("expected error saving into released scope")
	}
}

func TestSweepRemovesOnlyScratchFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	mustWrite := func(name string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	mustWrite("old_image.jpg")
	mustWrite("old_audio.wav")
	mustWrite("keep.txt")

	removed, err := store.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Fatalf("unrelated file should survive sweep: %v", err)
	}
}
