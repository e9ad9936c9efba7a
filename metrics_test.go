package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"cipherroom/server/internal/core"
	"cipherroom/server/internal/store"
)

func metricsTestKey(t *testing.T) string {
	t.Helper()

	entity, err := openpgp.NewEntity("Metrics", "", "metrics@example.org", &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor encode: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("serialize key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close armor: %v", err)
	}
	return buf.String()
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRunMetricsLogsActiveRooms(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	rooms := core.NewManager(st)
	room, err := rooms.Acquire("busy-room")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	defer rooms.Release("busy-room")
	sess := core.NewSession("conn-metrics", "203.0.113.1", 64)
	if err := room.Register(sess, metricsTestKey(t), ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	buf := captureLogs(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, rooms, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done

	out := buf.String()
	if !strings.Contains(out, "room metrics") {
		t.Errorf("expected metrics output, got: %q", out)
	}
	if !strings.Contains(out, "busy-room") {
		t.Errorf("expected room id in output, got: %q", out)
	}
}

func TestRunMetricsSilentWithoutRooms(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	buf := captureLogs(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, core.NewManager(st), 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done

	if out := buf.String(); strings.Contains(out, "room metrics") {
		t.Errorf("expected no metrics output, got: %q", out)
	}
}
