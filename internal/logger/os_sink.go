package logger

import (
	"fmt"
	"io"
	"sync"
)

// osSink is the default LogSink: it writes one line per message to an io.Writer (stdout/stderr or
// a file path from NEBULA_LOG_PATH), serialized so concurrent callers never interleave lines.
type osSink struct {
	mu sync.Mutex
	w  io.Writer
}

func newOSSink(w io.Writer) LogSink {
	return &osSink{w: w}
}

// Info implements LogSink.
func (s *osSink) Info(level int, msg string, keysAndValues ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "[level:%d] %s", level, msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(s.w, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	fmt.Fprintln(s.w)
}
