package service

import (
	"errors"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"iframe-proxy-go/internal/metrics"
)

// ScriptCapture is a relayed .js body observed after the stream completed.
type ScriptCapture struct {
	Path string
	// Body holds at most the configured capture limit.
	Body      []byte
	Size      int64
	Truncated bool
}

// ScriptSink receives captured script bodies. Implementations must not block.
type ScriptSink interface {
	ObserveScript(ScriptCapture)
}

// LogSink writes captured script bodies to the process log.
type LogSink struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLogSink creates a LogSink. The metrics parameter is optional.
func NewLogSink(logger *slog.Logger, m *metrics.Metrics) *LogSink {
	return &LogSink{
		logger:  logger.With("component", "script_log"),
		metrics: m,
	}
}

// ObserveScript logs the captured body at info level, so it is visible with the default log level.
func (s *LogSink) ObserveScript(c ScriptCapture) {
	if s.metrics != nil {
		s.metrics.ScriptCaptured.Inc()
		s.metrics.ScriptBytes.Add(float64(c.Size))
	}
	s.logger.Info("script body captured",
		"path", c.Path,
		"bytes", c.Size,
		"size", humanize.Bytes(uint64(c.Size)),
		"truncated", c.Truncated,
		"body", string(c.Body),
	)
}

// captureReader passes reads through unchanged while keeping a bounded copy.
// The sink is called once, on clean EOF; errors and early Close emit nothing.
type captureReader struct {
	src   io.ReadCloser
	path  string
	limit int64
	sink  ScriptSink

	buf       []byte
	size      int64
	truncated bool
	done      bool
}

func newCaptureReader(src io.ReadCloser, path string, limit int64, sink ScriptSink) *captureReader {
	return &captureReader{src: src, path: path, limit: limit, sink: sink}
}

func (r *captureReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.size += int64(n)
		if room := r.limit - int64(len(r.buf)); room > 0 {
			keep := min(int64(n), room)
			r.buf = append(r.buf, p[:keep]...)
			if keep < int64(n) {
				r.truncated = true
			}
		} else {
			r.truncated = true
		}
	}
	if errors.Is(err, io.EOF) && !r.done {
		r.done = true
		r.sink.ObserveScript(ScriptCapture{
			Path:      r.path,
			Body:      r.buf,
			Size:      r.size,
			Truncated: r.truncated,
		})
	}
	return n, err
}

func (r *captureReader) Close() error {
	return r.src.Close()
}
