package vhostuser

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
	"github.com/googlecloudplatform/virtiofsd/internal/logger"
	"github.com/googlecloudplatform/virtiofsd/internal/ops"
	"golang.org/x/sys/unix"
)

// Engine is the request engine: it owns the negotiated memory table and
// every virtqueue, and runs the per-queue goroutines that pop descriptor
// chains, decode them as FUSE requests, and dispatch them through an
// internal/ops.Server.
//
// dispatchMu is the dispatch rwlock from fuse_virtio.c's
// vu_dispatch_rwlock: control-plane messages that swap the memory table or
// a vring's addresses (handled in session.go) take it for writing; each
// queue goroutine takes it for reading only around the pop/push calls that
// actually touch ring memory, not around the FUSE request processing
// itself, exactly like vu_dispatch_rdlock's scope in fv_queue_worker.
type Engine struct {
	Ops            *ops.Server
	ThreadPoolSize int

	mu        sync.RWMutex // guards the fields below against concurrent Serve goroutines
	mem       *memoryTable
	queues    []*virtqueue
	features  uint64
	protoFeat uint64

	dispatchMu sync.RWMutex

	wg sync.WaitGroup
}

// NewEngine builds an Engine with numQueues virtqueues (virtiofs always
// negotiates exactly two: one "hiprio" queue for FORGET-class traffic and
// one "request" queue for everything else, but the engine itself doesn't
// care how many there are).
func NewEngine(server *ops.Server, numQueues, threadPoolSize int) *Engine {
	e := &Engine{Ops: server, ThreadPoolSize: threadPoolSize}
	e.queues = make([]*virtqueue, numQueues)
	for i := range e.queues {
		e.queues[i] = newVirtqueue(i)
	}
	return e
}

// startQueue launches the goroutine that services one virtqueue once it
// has been armed with a kick eventfd. It runs until ctx is canceled or the
// kick/kill poll fails, then signals wg as done.
func (e *Engine) startQueue(ctx context.Context, q *virtqueue) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.queueLoop(ctx, q)
	}()
}

// pollTimeoutMillis bounds how long queueLoop's ppoll waits before
// rechecking ctx: the reference implementation parks forever in ppoll and
// relies on a dedicated kill_fd to wake it on shutdown, but closing a kick
// eventfd out from under a goroutine blocked reading it is unsafe in Go, so
// this polls with a short timeout and checks context cancellation between
// waits instead.
const pollTimeoutMillis = 1000

// queueLoop mirrors fv_queue_thread: wait for the kick eventfd to become
// readable, then drain every available descriptor chain and hand each to
// the worker pool (or process it inline when no pool is configured,
// matching thread_pool_size == 0).
func (e *Engine) queueLoop(ctx context.Context, q *virtqueue) {
	var pool *workerPool
	if e.ThreadPoolSize > 0 {
		pool = newWorkerPool(e.ThreadPoolSize)
	}
	defer func() {
		if pool != nil {
			pool.stop()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		pfd := []unix.PollFd{{Fd: int32(q.kickFD), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue // timeout, recheck ctx
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return
		}

		if _, err := readEventfd(q.kickFD); err != nil {
			return
		}

		for {
			e.dispatchMu.RLock()
			el, err := q.pop()
			e.dispatchMu.RUnlock()
			if err != nil || el == nil {
				break
			}
			if pool != nil {
				pool.submit(func() { e.processElement(q, el) })
			} else {
				e.processElement(q, el)
			}
		}
	}
}

// processElement decodes one descriptor chain as a FUSE request, dispatches
// it through Ops, and writes the reply into the chain's writable ("in")
// spans before pushing it back on the used ring. Unlike fv_queue_worker's
// write fast-path, the request body is always flattened into one buffer
// first (see element.flatten) rather than handed to the handler as raw
// guest-memory iovecs — simpler, at the cost of one extra copy per WRITE.
func (e *Engine) processElement(q *virtqueue, el *element) {
	body := el.flatten()
	hdr, rest, err := fusewire.DecodeInHeader(body)
	if err != nil {
		e.finish(q, el, 0)
		return
	}

	reply := e.Ops.Dispatch(hdr, rest)
	if reply == nil {
		// No-reply opcodes (FORGET, BATCH_FORGET, the swallowed INTERRUPT)
		// still need their descriptor chain recycled.
		e.finish(q, el, 0)
		return
	}

	n, err := writeIovecInto(el.in, reply.Iovec())
	if err != nil {
		n = 0
	}
	e.finish(q, el, uint32(n))
}

func (e *Engine) finish(q *virtqueue, el *element, writtenLen uint32) {
	e.dispatchMu.RLock()
	defer e.dispatchMu.RUnlock()
	if err := q.push(el, writtenLen); err != nil {
		return
	}
	q.notify()
}

// writeIovecInto copies src fragments sequentially across dst spans
// (guest-writable memory translated from the descriptor chain), returning
// the total bytes written. Returns an error if src doesn't fit.
func writeIovecInto(dst [][]byte, src [][]byte) (int, error) {
	total := 0
	di, doff := 0, 0
	for _, frag := range src {
		for len(frag) > 0 {
			if di >= len(dst) {
				return total, fmt.Errorf("vhostuser: reply (%d bytes total) overflows writable descriptors", total+len(frag))
			}
			space := len(dst[di]) - doff
			if space == 0 {
				di++
				doff = 0
				continue
			}
			n := copy(dst[di][doff:], frag)
			total += n
			doff += n
			frag = frag[n:]
		}
	}
	return total, nil
}

// stop closes every queue's kick/call eventfds. Callers must cancel the
// queue goroutines' context and Wait() for them to exit before calling
// this, since a goroutine's in-flight unix.Poll/Read on a closed fd is not
// safe to race against.
func (e *Engine) stop() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, q := range e.queues {
		if q.kickFD >= 0 {
			unix.Close(q.kickFD)
		}
		if q.callFD >= 0 {
			unix.Close(q.callFD)
		}
	}
}

// Wait blocks until every queue goroutine started by startQueue has
// returned.
func (e *Engine) Wait() { e.wg.Wait() }

// workerPool runs dispatched request records on a fixed set of goroutines,
// each pinned to its own OS thread for its entire lifetime via
// runtime.LockOSThread and given a private filesystem namespace via
// unshare(CLONE_FS). A worker's current directory is otherwise
// process-wide; after unshare(CLONE_FS) a change of current directory on
// one worker is not visible to the others. The handlers in internal/ops do
// not change the current directory: their xattr calls go through
// /proc/self/fd/<fd> paths.
type workerPool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// newWorkerPool starts size worker goroutines, each unsharing its
// filesystem namespace before it begins pulling jobs. If that unshare call
// fails anywhere — a sandboxed environment may deny the syscall outright —
// the whole pool degrades to a single dedicated worker goroutine instead of
// failing startup: with only one worker thread there is no sibling worker
// to share a current directory with.
func newWorkerPool(size int) *workerPool {
	p := &workerPool{jobs: make(chan func(), size*2)}

	if !workerPoolSupportsCLONEFS() {
		logger.Warnf("vhostuser: unshare(CLONE_FS) unavailable, falling back to a single dedicated worker goroutine")
		p.startWorker(false)
		return p
	}

	for i := 0; i < size; i++ {
		p.startWorker(true)
	}
	return p
}

// workerPoolSupportsCLONEFS probes, on a throwaway pinned goroutine,
// whether this process is permitted to unshare(CLONE_FS). Used once at
// pool startup so a per-worker failure doesn't surface only after requests
// are already in flight.
func workerPoolSupportsCLONEFS() bool {
	result := make(chan bool, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		result <- unix.Unshare(unix.CLONE_FS) == nil
	}()
	return <-result
}

// startWorker launches one worker goroutine pinned to its OS thread for
// its entire lifetime. When unshare is true it calls unshare(CLONE_FS)
// once before serving jobs, per thread, matching the reference
// implementation's fv_queue_thread/thread_pool setup.
func (p *workerPool) startWorker(unshare bool) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if unshare {
			if err := unix.Unshare(unix.CLONE_FS); err != nil {
				logger.Warnf("vhostuser: unshare(CLONE_FS) failed on pool worker: %v", err)
			}
		}
		for job := range p.jobs {
			job()
		}
	}()
}

// submit hands fn to a worker. Blocks if every worker is busy and the job
// buffer is full, which bounds how far a queue can run ahead of its pool.
func (p *workerPool) submit(fn func()) {
	p.jobs <- fn
}

// stop closes the job channel and waits for every worker goroutine to
// drain it and exit.
func (p *workerPool) stop() {
	close(p.jobs)
	p.wg.Wait()
}
