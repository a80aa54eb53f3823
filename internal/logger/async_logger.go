// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AsyncLogger decouples log writers from the file-rotation writer: a busy
// FUSE request goroutine calling Infof shouldn't block on disk I/O or a
// lumberjack rotation. Writes are queued on a channel and drained by a
// single background goroutine; if the queue is full the message is dropped
// (with a warning to stderr) rather than applying backpressure to callers.
type AsyncLogger struct {
	w       io.Writer
	queue   chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewAsyncLogger starts the drain goroutine writing to w (typically a
// *lumberjack.Logger) with a queue capacity of bufferSize messages.
func NewAsyncLogger(w io.Writer, bufferSize int) *AsyncLogger {
	l := &AsyncLogger{
		w:     w,
		queue: make(chan []byte, bufferSize),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *AsyncLogger) run() {
	defer l.wg.Done()
	for buf := range l.queue {
		l.w.Write(buf)
	}
	close(l.done)
}

// Write implements io.Writer. p is copied before queueing since slog reuses
// its formatting buffer across calls.
func (l *AsyncLogger) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case l.queue <- buf:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close stops accepting writes, waits for the queue to drain, and closes
// the underlying writer if it implements io.Closer.
func (l *AsyncLogger) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.closeMu.Unlock()

	<-l.done
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// newRotatingWriter wraps path in a lumberjack.Logger configured from rotate
// and an AsyncLogger so rotation and disk writes never block a request
// goroutine's log call.
func newRotatingWriter(path string, rotate RotateConfig) *AsyncLogger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotate.MaxFileSizeMB,
		MaxBackups: rotate.BackupFileCount,
		Compress:   rotate.Compress,
	}
	return NewAsyncLogger(lj, 1000)
}
