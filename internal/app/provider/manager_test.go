package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
)

type sliceOutput struct {
	mu      sync.Mutex
	packets []*packet.Packet
	err     error
}

func (o *sliceOutput) Add(_ context.Context, p *packet.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.packets = append(o.packets, p)
	return nil
}

type scripted struct {
	name  string
	count int
	block bool
	fail  error
}

func (s *scripted) Name() string               { return s.name }
func (s *scripted) Init(context.Context) error { return nil }
func (s *scripted) Run(ctx context.Context, out Output) error {
	for i := 0; i < s.count; i++ {
		if err := out.Add(ctx, packet.New([]byte("x"))); err != nil {
			return err
		}
	}
	if s.fail != nil {
		return s.fail
	}
	if s.block {
		<-ctx.Done()
	}
	return nil
}

func TestRegistryCreate(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Scripted", func(spec Spec) (Provider, error) {
		return &scripted{name: spec.Name}, nil
	})
	if !reg.Has("scripted") || len(reg.Types()) != 1 {
		t.Fatalf("unexpected registry types %v", reg.Types())
	}
	p, err := reg.Create(Spec{Name: "a", Type: " SCRIPTED "})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if p.Name() != "a" {
		t.Fatalf("expected name a, got %s", p.Name())
	}
	if _, err := reg.Create(Spec{Name: "b", Type: "nope"}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(zerolog.Nop())
	out := &sliceOutput{}
	ctx := context.Background()

	if err := m.Start(ctx, Spec{Type: "scripted", Config: map[string]any{"token": "x"}}, &scripted{name: "done", count: 3}, out); err != nil {
		t.Fatalf("Start(done) error = %v", err)
	}
	if err := m.Start(ctx, Spec{Type: "scripted"}, &scripted{name: "live", count: 1, block: true}, out); err != nil {
		t.Fatalf("Start(live) error = %v", err)
	}
	if err := m.Start(ctx, Spec{Type: "scripted"}, &scripted{name: "bad", fail: errors.New("boom")}, out); err != nil {
		t.Fatalf("Start(bad) error = %v", err)
	}
	if err := m.Start(ctx, Spec{}, &scripted{name: "done"}, out); !errors.Is(err, errs.ErrAlreadyRegistered) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if !m.HasProvider("live") {
		t.Fatal("expected live provider to be managed")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := m.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Wait to time out on the blocking provider, got %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(ctx, time.Second)
	defer stopCancel()
	if err := m.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	snapshot := m.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 providers, got %d", len(snapshot))
	}
	want := map[string]Status{"bad": StatusFailed, "done": StatusCompleted, "live": StatusStopped}
	for _, meta := range snapshot {
		if meta.Status != want[meta.Name] {
			t.Fatalf("provider %s: status %s, want %s", meta.Name, meta.Status, want[meta.Name])
		}
		if meta.Settings != nil {
			if _, leaked := meta.Settings["token"]; leaked {
				t.Fatal("token leaked into metadata")
			}
		}
	}
	if snapshot[0].Name != "bad" || snapshot[0].Error != "boom" {
		t.Fatalf("unexpected first entry %+v", snapshot[0])
	}
	if snapshot[1].Packets != 3 {
		t.Fatalf("expected 3 packets from done, got %d", snapshot[1].Packets)
	}
}

func TestManagerBusClosedIsStop(t *testing.T) {
	m := NewManager(zerolog.Nop())
	out := &sliceOutput{err: errs.New("packetbus", errs.CodeBusClosed)}
	if err := m.Start(context.Background(), Spec{}, &scripted{name: "p", count: 1}, out); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.StopProvider(context.Background(), "p"); err != nil {
		t.Fatalf("StopProvider() error = %v", err)
	}
	if got := m.Snapshot()[0].Status; got != StatusStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	if err := m.StopProvider(context.Background(), "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
