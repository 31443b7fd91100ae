package rowsync

import (
	"sync"
	"testing"

	"github.com/focusdeck/syncd/internal/schema"
)

func TestStamp(t *testing.T) {
	w := schema.Writer{DeviceID: "laptop", Priority: schema.ClassPointer}
	in := schema.Batch{
		schema.TableSets: {
			{ID: "fresh", Data: schema.SetData{Title: "a"}},
			{ID: "explicit", UpdatedAt: 42, UpdatedBy: "phone", Priority: schema.ClassTouch, Data: schema.SetData{Title: "b"}},
			{ID: "legacy", UpdatedBy: "m:tablet", Data: schema.SetData{Title: "c"}},
		},
	}

	out := Stamp(in, w, 1000)
	byID := map[string]schema.Row{}
	for _, r := range out.Rows() {
		byID[r.ID] = r
	}

	fresh := byID["fresh"]
	if fresh.Table != schema.TableSets || fresh.UpdatedAt != 1000 || fresh.UpdatedBy != "laptop" || fresh.Priority != schema.ClassPointer {
		t.Errorf("fresh row stamped wrong: %+v", fresh)
	}

	explicit := byID["explicit"]
	if explicit.UpdatedAt != 42 || explicit.UpdatedBy != "phone" || explicit.Priority != schema.ClassTouch {
		t.Errorf("caller values were overridden: %+v", explicit)
	}

	legacy := byID["legacy"]
	if legacy.Priority != schema.ClassTouch {
		t.Errorf("legacy tag not decoded: %+v", legacy)
	}

	if in[schema.TableSets][0].UpdatedAt != 0 {
		t.Error("Stamp modified its input")
	}
}

func TestRestamp(t *testing.T) {
	w := schema.Writer{DeviceID: "laptop", Priority: schema.ClassPointer}
	in := schema.Batch{
		schema.TableSets: {
			{ID: "edited", UpdatedAt: 42, UpdatedBy: "phone", Priority: schema.ClassTouch, Data: schema.SetData{Title: "b"}},
			{ID: "legacy", UpdatedAt: 7, UpdatedBy: "m:tablet", Data: schema.SetData{Title: "c"}},
		},
	}

	out := Restamp(in, w, 1000)
	for _, r := range out.Rows() {
		if r.Table != schema.TableSets || r.UpdatedAt != 1000 || r.UpdatedBy != "laptop" || r.Priority != schema.ClassPointer {
			t.Errorf("%s not restamped: %+v", r.ID, r)
		}
	}

	if in[schema.TableSets][0].UpdatedAt != 42 {
		t.Error("Restamp modified its input")
	}
}

func TestCursor_Monotonic(t *testing.T) {
	var seen []int64
	c := NewCursor(500, func(since int64) { seen = append(seen, since) })

	if c.Advance(400) {
		t.Error("cursor moved backwards")
	}
	if c.Advance(500) {
		t.Error("cursor reported a move to the same value")
	}
	if !c.Advance(501) {
		t.Error("cursor did not advance")
	}
	if c.Load() != 501 {
		t.Errorf("Load() = %d, want 501", c.Load())
	}
	if len(seen) != 1 || seen[0] != 501 {
		t.Errorf("onAdvance calls = %v", seen)
	}

	c.Reset()
	if c.Load() != 0 {
		t.Errorf("Load() after Reset = %d", c.Load())
	}
}

func TestCursor_ConcurrentAdvance(t *testing.T) {
	c := NewCursor(0, nil)
	var wg sync.WaitGroup
	for i := int64(1); i <= 100; i++ {
		wg.Add(1)
		go func(to int64) {
			defer wg.Done()
			c.Advance(to)
		}(i)
	}
	wg.Wait()

	if c.Load() != 100 {
		t.Errorf("Load() = %d, want 100", c.Load())
	}
}
