package dbpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func TestPool_InvariantsHold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := DefaultConfig()
		cfg.Name = "property"
		cfg.StepSize = rapid.IntRange(1, 4).Draw(t, "step")
		cfg.MaxPoolSize = rapid.IntRange(1, 6).Draw(t, "max")
		cfg.ResizeBoundary = rapid.IntRange(max(cfg.MaxPoolSize, cfg.StepSize), 12).Draw(t, "boundary")
		cfg.EnableAutoResize = rapid.Bool().Draw(t, "resize")
		cfg.AutoResizeScale = rapid.Float64Range(1, 3).Draw(t, "scale")
		cfg.WaitTimeout = time.Millisecond
		cfg.ConnectRetries = 0

		p, err := New(cfg, &fakeFactory{}, WithLogger(zap.NewNop()))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		defer p.Close()

		var held []*Handle
		lastCap := p.Capacity()
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(held) > 0 && rapid.Bool().Draw(t, "release") {
				j := rapid.IntRange(0, len(held)-1).Draw(t, "which")
				if err := p.Release(held[j]); err != nil {
					t.Fatalf("release: %v", err)
				}
				held = append(held[:j], held[j+1:]...)
			} else {
				h, err := p.Acquire(context.Background())
				switch {
				case err == nil:
					for _, x := range held {
						if x == h {
							t.Fatalf("handle %s handed out twice", h.ID())
						}
					}
					held = append(held, h)
				case !errors.Is(err, ErrPoolExhausted):
					t.Fatalf("acquire: %v", err)
				}
			}

			s := p.Stats()
			if s.Idle+s.InUse > s.Capacity {
				t.Fatalf("idle %d + in use %d exceeds capacity %d", s.Idle, s.InUse, s.Capacity)
			}
			if s.Capacity > cfg.ResizeBoundary {
				t.Fatalf("capacity %d exceeds boundary %d", s.Capacity, cfg.ResizeBoundary)
			}
			if s.Capacity < lastCap {
				t.Fatalf("capacity shrank from %d to %d", lastCap, s.Capacity)
			}
			if !cfg.EnableAutoResize && s.Capacity != lastCap {
				t.Fatalf("capacity changed without auto resize")
			}
			if s.InUse != len(held) {
				t.Fatalf("in use %d, held %d", s.InUse, len(held))
			}
			lastCap = s.Capacity
		}
	})
}
