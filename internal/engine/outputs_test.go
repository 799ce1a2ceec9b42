package engine

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestOutputs_RecordAndGet(t *testing.T) {
	o := NewOutputs()

	if o.Has("a") {
		t.Fatal("empty store should not have a")
	}

	if err := o.Record("a", map[string]any{"x": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := o.Get("a")
	if !ok {
		t.Fatal("a should be recorded")
	}
	if got["x"] != 1 {
		t.Errorf("x = %v, want 1", got["x"])
	}
	if o.Len() != 1 {
		t.Errorf("Len() = %d, want 1", o.Len())
	}
}

func TestOutputs_AppendOnly(t *testing.T) {
	o := NewOutputs()
	if err := o.Record("a", map[string]any{"x": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := o.Record("a", map[string]any{"x": 2})
	if !errors.Is(err, ErrOutputsAlreadyRecorded) {
		t.Fatalf("expected ErrOutputsAlreadyRecorded, got %v", err)
	}

	got, _ := o.Get("a")
	if got["x"] != 1 {
		t.Errorf("recorded outputs changed: %v", got)
	}
}

func TestOutputs_RecordCopies(t *testing.T) {
	o := NewOutputs()
	src := map[string]any{"list": []any{"a"}}
	if err := o.Record("n", src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Изменение исходной map после Record не видно в store
	src["list"].([]any)[0] = "changed"
	src["extra"] = true

	got, _ := o.Get("n")
	if got["list"].([]any)[0] != "a" {
		t.Error("store shares memory with recorded map")
	}
	if _, ok := got["extra"]; ok {
		t.Error("store sees keys added after Record")
	}
}

func TestOutputs_RecordNil(t *testing.T) {
	o := NewOutputs()
	if err := o.Record("n", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := o.Get("n")
	if !ok || got == nil {
		t.Errorf("expected empty map for nil outputs, got %v", got)
	}
}

func TestOutputs_Snapshot(t *testing.T) {
	o := NewOutputs()
	_ = o.Record("b", map[string]any{"v": 2})
	_ = o.Record("a", map[string]any{"v": 1})

	snap := o.Snapshot()
	want := map[string]map[string]any{
		"a": {"v": 1},
		"b": {"v": 2},
	}
	if !reflect.DeepEqual(snap, want) {
		t.Errorf("Snapshot() = %v, want %v", snap, want)
	}

	snap["a"]["v"] = 100
	got, _ := o.Get("a")
	if got["v"] != 1 {
		t.Error("snapshot shares memory with store")
	}

	if names := o.Nodes(); !reflect.DeepEqual(names, []string{"a", "b"}) {
		t.Errorf("Nodes() = %v", names)
	}
}

func TestOutputs_ConcurrentWriters(t *testing.T) {
	o := NewOutputs()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("node_%d", i)
			if err := o.Record(name, map[string]any{"i": i}); err != nil {
				t.Errorf("record %s: %v", name, err)
			}
			// Параллельные чтения других узлов
			o.Has("node_0")
			o.Snapshot()
		}(i)
	}
	wg.Wait()

	if o.Len() != 50 {
		t.Errorf("Len() = %d, want 50", o.Len())
	}
}
