package termio

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriter_FlushDeliversInOrder(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := newWriter(f)
	for _, s := range []string{"one ", "two ", "three"} {
		if _, err := w.Write([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	w.wg.Wait()

	got, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "one two three" {
		t.Errorf("output = %q", got)
	}
}

func TestFlush_ReturnsWhenIdle(t *testing.T) {
	start := time.Now()
	Flush(time.Second)
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Flush waited on an idle writer")
	}
}

func TestIsTTY_RegularFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "plain"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if IsTTY(f) {
		t.Error("regular file reported as a terminal")
	}
}
