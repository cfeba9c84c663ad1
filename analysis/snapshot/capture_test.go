// ABOUTME: Tests for capturing a snapshot through an object model
// ABOUTME: Uses a map-backed heap so the walk can be checked object by object

package snapshot

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/vm"
)

type fakeHeap map[address.Address][]address.Address

type fakeSlot struct {
	h   fakeHeap
	obj address.Address
	i   int
}

func (s fakeSlot) Load() address.Address   { return s.h[s.obj][s.i] }
func (s fakeSlot) Store(a address.Address) { s.h[s.obj][s.i] = a }

func (h fakeHeap) Size(obj address.Address) uintptr { return uintptr(8 * (1 + len(h[obj]))) }

func (h fakeHeap) ScanObject(obj address.Address, visit func(vm.Slot)) {
	for i := range h[obj] {
		visit(fakeSlot{h, obj, i})
	}
}

func TestCaptureNumbersObjectsBreadthFirst(t *testing.T) {
	const a, b, c, d, e = 0x1000, 0x2000, 0x3000, 0x4000, 0x5000
	h := fakeHeap{
		a: {b, 0, c},
		b: {d},
		c: {d, a},
		d: {},
		e: {a},
	}
	g := Capture(h, []address.Address{a, 0, a}, func(address.Address) string { return "test" })

	if g.NumObjects() != 4 {
		t.Fatalf("captured %d objects, want 4 (e is garbage)", g.NumObjects())
	}
	if got := g.GetRoots().IDs; !reflect.DeepEqual(got, []ObjID{1}) {
		t.Errorf("roots = %v", got)
	}
	want := map[address.Address][]ObjID{a: {2, 3}, b: {4}, c: {4, 1}, d: nil}
	for addr, ptrs := range want {
		id, ok := g.Lookup(addr)
		if !ok {
			t.Fatalf("%v not captured", addr)
		}
		o := g.GetObject(id)
		if !reflect.DeepEqual(o.Ptrs, ptrs) || o.Space != "test" || o.Size != uint64(h.Size(addr)) {
			t.Errorf("object %v = %+v", addr, o)
		}
	}
	if TotalSize(g) != 8*4+8*2+8*3+8 {
		t.Errorf("TotalSize() = %d", TotalSize(g))
	}
	if RetainedSize(g)[1] != TotalSize(g) {
		t.Error("the only root should retain everything")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	g := build([]ObjID{1}, map[ObjID][]ObjID{1: {2, 3}, 2: {3}}, 3)
	g.GetObject(1).Addr = address.ChunkAt(2)
	g.AddObject(g.GetObject(1))

	var buf bytes.Buffer
	if err := WriteJSON(&buf, g); err != nil {
		t.Fatal(err)
	}
	back, err := ReadJSON(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(RetainedSize(back), RetainedSize(g)) {
		t.Errorf("retained sizes changed over JSON")
	}
	if id, ok := back.Lookup(address.ChunkAt(2)); !ok || id != 1 {
		t.Errorf("address of object 1 lost: %v %v", id, ok)
	}
}

func TestReadJSONRejectsBadDumps(t *testing.T) {
	for name, dump := range map[string]string{
		"syntax":       `{"objects": [`,
		"missing id":   `{"objects": [{"size": 8}], "roots": []}`,
		"unknown root": `{"objects": [{"id": 1, "size": 8}], "roots": [2]}`,
		"bad address":  `{"objects": [{"id": 1, "addr": "nowhere"}], "roots": [1]}`,
	} {
		if _, err := ReadJSON(strings.NewReader(dump)); err == nil {
			t.Errorf("%s: ReadJSON accepted %s", name, dump)
		}
	}
}
