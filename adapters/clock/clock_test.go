package clock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/artpar/quotagate/adapters/clock"
)

func TestSystem_Now(t *testing.T) {
	before := time.Now()
	got := clock.System{}.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", got, before, after)
	}
}

func TestFake_SetAndAdvance(t *testing.T) {
	start := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(90 * time.Minute)
	if want := start.Add(90 * time.Minute); !c.Now().Equal(want) {
		t.Errorf("after Advance Now() = %v, want %v", c.Now(), want)
	}

	c.Advance(-time.Hour)
	if want := start.Add(30 * time.Minute); !c.Now().Equal(want) {
		t.Errorf("after negative Advance Now() = %v, want %v", c.Now(), want)
	}

	jump := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Set(jump)
	if !c.Now().Equal(jump) {
		t.Errorf("after Set Now() = %v, want %v", c.Now(), jump)
	}
}

func TestFake_ConcurrentAccess(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.Now()
				c.Advance(time.Second)
			}
		}()
	}
	wg.Wait()

	if want := start.Add(1000 * time.Second); !c.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", c.Now(), want)
	}
}
