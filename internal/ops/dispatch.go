package ops

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
	"golang.org/x/sys/unix"
)

func fuseUniqueAttr(unique uint64) attribute.KeyValue {
	return attribute.Int64("fuse.unique", int64(unique))
}

// Dispatch routes one request to its handler. It returns nil for opcodes
// that never produce a reply (FORGET, BATCH_FORGET). Every handler except
// Init/Destroy is required to run with the session rwMu held for reading;
// Dispatch takes care of that bracketing here so individual handlers don't
// have to remember to.
func (s *Server) Dispatch(hdr fusewire.InHeader, body []byte) *fusewire.Reply {
	op := fusewire.Opcode(hdr.Opcode)

	ctx, span := s.Tracer.StartServerSpan(context.Background(), op.String())
	span.SetAttributes(fuseUniqueAttr(hdr.Unique))
	start := time.Now()

	reply := s.dispatch(op, hdr, body)

	s.Metrics.OpsCount(ctx, op, 1)
	s.Metrics.OpsLatency(ctx, op, time.Since(start))
	if reply != nil {
		if errno := reply.Errno(); errno != 0 {
			s.Metrics.OpsErrorCount(ctx, op, errno.Error(), 1)
			s.Tracer.RecordError(span, fmt.Errorf("%s: %w", op, errno))
		}
	}
	s.Tracer.EndSpan(span)
	return reply
}

func (s *Server) dispatch(op fusewire.Opcode, hdr fusewire.InHeader, body []byte) *fusewire.Reply {
	c := fusewire.NewCursor(op, body)

	switch op {
	case fusewire.OpInit:
		return s.Init(hdr, c)
	case fusewire.OpDestroy:
		return s.Destroy(hdr, c)
	}

	s.rwMu.RLock()
	defer s.rwMu.RUnlock()

	switch op {
	case fusewire.OpLookup:
		return s.Lookup(hdr, c)
	case fusewire.OpForget:
		s.Forget(hdr, c)
		return nil
	case fusewire.OpBatchForget:
		s.BatchForget(hdr, c)
		return nil
	case fusewire.OpGetattr:
		return s.Getattr(hdr, c)
	case fusewire.OpSetattr:
		return s.Setattr(hdr, c)
	case fusewire.OpReadlink:
		return s.Readlink(hdr, c)
	case fusewire.OpSymlink:
		return s.Symlink(hdr, c)
	case fusewire.OpMknod:
		return s.Mknod(hdr, c)
	case fusewire.OpMkdir:
		return s.Mkdir(hdr, c)
	case fusewire.OpUnlink:
		return s.Unlink(hdr, c)
	case fusewire.OpRmdir:
		return s.Rmdir(hdr, c)
	case fusewire.OpRename:
		return s.Rename(hdr, c)
	case fusewire.OpRename2:
		return s.Rename2(hdr, c)
	case fusewire.OpLink:
		return s.Link(hdr, c)
	case fusewire.OpOpen:
		return s.Open(hdr, c)
	case fusewire.OpCreate:
		return s.Create(hdr, c)
	case fusewire.OpRelease:
		return s.Release(hdr, c)
	case fusewire.OpFlush:
		return s.Flush(hdr, c)
	case fusewire.OpRead:
		return s.Read(hdr, c)
	case fusewire.OpWrite:
		return s.Write(hdr, c)
	case fusewire.OpFsync:
		return s.Fsync(hdr, c)
	case fusewire.OpFallocate:
		return s.Fallocate(hdr, c)
	case fusewire.OpLseek:
		return s.Lseek(hdr, c)
	case fusewire.OpCopyFileRange:
		return s.CopyFileRange(hdr, c)
	case fusewire.OpStatfs:
		return s.Statfs(hdr, c)
	case fusewire.OpAccess:
		return s.Access(hdr, c)
	case fusewire.OpOpendir:
		return s.Opendir(hdr, c)
	case fusewire.OpReaddir:
		return s.Readdir(hdr, c, false)
	case fusewire.OpReaddirplus:
		return s.Readdir(hdr, c, true)
	case fusewire.OpReleasedir:
		return s.Releasedir(hdr, c)
	case fusewire.OpFsyncdir:
		return s.Fsyncdir(hdr, c)
	case fusewire.OpGetxattr:
		return s.Getxattr(hdr, c)
	case fusewire.OpSetxattr:
		return s.Setxattr(hdr, c)
	case fusewire.OpListxattr:
		return s.Listxattr(hdr, c)
	case fusewire.OpRemovexattr:
		return s.Removexattr(hdr, c)
	case fusewire.OpGetlk:
		return s.Getlk(hdr, c)
	case fusewire.OpSetlk:
		return s.Setlk(hdr, c, false)
	case fusewire.OpSetlkw:
		return s.Setlk(hdr, c, true)
	case fusewire.OpInterrupt:
		return nil // best-effort: INTERRUPT is acknowledged but no in-flight handler is forcibly preempted
	default:
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOSYS)
	}
}
