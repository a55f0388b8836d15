package client

import (
	"bytes"
	"testing"

	"github.com/ambianic/pnp/internal/storage"
)

func TestStatus(t *testing.T) {
	store, err := storage.OpenMemory(storage.DefaultNamespace)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	var out bytes.Buffer
	if code := status(&out, store); code != 0 {
		t.Fatalf("status() = %d", code)
	}
	if out.String() != "No device paired.\n" {
		t.Errorf("output = %q", out.String())
	}

	if err := store.SetRemotePeerID("edge-1"); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	status(&out, store)
	if out.String() != "Paired with edge-1\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_BadFlags(t *testing.T) {
	if code := Run("status", []string{"--relay-port", "0"}); code != 2 {
		t.Errorf("Run() = %d, want 2 for invalid config", code)
	}
}
