// ABOUTME: Transitive closure packets and the per-worker tracing context
// ABOUTME: Edges are traced through the dispatcher, newly reached objects are batched into scan packets

package plan

import (
	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/scheduler"
	"github.com/prateek/memkit/vm"
)

// batchSize bounds the slots or objects of one closure packet
const batchSize = 256

// WorkerContext is the tracing state of one worker. It is the object
// queue the policies enqueue into and the tracer reference processing
// retains through.
type WorkerContext struct {
	c    *Common
	w    *scheduler.Worker
	copy *alloc.CopyContext
	buf  []address.Address
}

func contextOf(w *scheduler.Worker) *WorkerContext { return w.Context.(*WorkerContext) }

// Enqueue queues obj for scanning
func (x *WorkerContext) Enqueue(obj address.Address) {
	x.buf = append(x.buf, obj)
	if len(x.buf) >= batchSize {
		x.flush()
	}
}

// flush turns the queued objects into a scan packet of the running stage
func (x *WorkerContext) flush() {
	if len(x.buf) == 0 {
		return
	}
	objs := x.buf
	x.buf = nil
	x.w.AddWork(x.w.Scheduler().Stage(), &ScanObjects{Objects: objs})
}

func (x *WorkerContext) traceObject(obj address.Address) address.Address {
	var copier policy.Copier
	if x.copy != nil {
		copier = x.copy
	}
	return x.c.Dispatch.TraceObject(x, obj, copier)
}

// GetForwarded returns where obj lives after this trace, or Zero
func (x *WorkerContext) GetForwarded(obj address.Address) address.Address {
	return x.c.Dispatch.GetForwarded(obj)
}

// Retain keeps obj alive and returns its new address
func (x *WorkerContext) Retain(obj address.Address) address.Address {
	return x.traceObject(obj)
}

// ProcessEdges traces the referents of a batch of slots
type ProcessEdges struct {
	Slots []vm.Slot
}

func (p *ProcessEdges) Do(w *scheduler.Worker) {
	x := contextOf(w)
	x.processEdges(p.Slots)
	x.flush()
}

func (x *WorkerContext) processEdges(slots []vm.Slot) {
	for _, slot := range slots {
		obj := slot.Load()
		if obj.IsZero() {
			continue
		}
		if to := x.traceObject(obj); to != obj {
			slot.Store(to)
		}
	}
}

// ScanObjects enumerates and traces the fields of reached objects
type ScanObjects struct {
	Objects []address.Address
}

func (p *ScanObjects) Do(w *scheduler.Worker) {
	x := contextOf(w)
	var slots []vm.Slot
	for _, obj := range p.Objects {
		slots = slots[:0]
		x.c.Binding.ScanObject(obj, func(s vm.Slot) { slots = append(slots, s) })
		x.processEdges(slots)
	}
	x.flush()
}
