package application

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/domain/lang"
	"github.com/modelgate/modelgate/internal/domain/scan"
	"github.com/modelgate/modelgate/internal/infrastructure/backend"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// mediatorState tracks the stream lifecycle for logging and tests.
type mediatorState int

const (
	stateReading mediatorState = iota
	stateScanning
	stateFlushed
	stateBlocked
	stateAborted
)

func (s mediatorState) String() string {
	switch s {
	case stateReading:
		return "reading"
	case stateScanning:
		return "scanning"
	case stateFlushed:
		return "flushed"
	case stateBlocked:
		return "blocked"
	case stateAborted:
		return "aborted"
	}
	return "unknown"
}

// MediatorOptions tunes the rolling scan window.
type MediatorOptions struct {
	ScanBytes      int           // scan when this much unscanned text accumulates
	ScanInterval   time.Duration // scan on this cadence while text is pending
	MaxBufferBytes int           // hard cap on withheld bytes; reaching it forces a scan
}

// mediatorResult summarizes one mediated stream for the router.
type mediatorResult struct {
	state    mediatorState
	report   scan.Report // populated when state == stateBlocked
	err      error       // upstream read error, if any
	bytesOut int
}

// streamMediator sits between a streaming backend response and the client.
// Frames are withheld until the text they carry has passed the output
// pipeline; on a block it closes the upstream immediately and ends the
// client stream with a terminal error frame. No frame is ever forwarded
// before every delta at or before it has been scanned.
type streamMediator struct {
	handle   *backend.StreamHandle
	pipeline *scan.Pipeline
	codec    streamCodec
	opts     MediatorOptions
	logger   *zap.Logger

	langTag    lang.Tag
	hideDetail bool

	pending   [][]byte        // withheld frames, in arrival order
	unscanned strings.Builder // delta text not yet covered by a scan
	sawDone   bool
}

func newStreamMediator(handle *backend.StreamHandle, pipeline *scan.Pipeline, codec streamCodec, langTag lang.Tag, hideDetail bool, opts MediatorOptions, logger *zap.Logger) *streamMediator {
	if opts.ScanBytes <= 0 {
		opts.ScanBytes = 512
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Second
	}
	if opts.MaxBufferBytes <= 0 {
		opts.MaxBufferBytes = 64 * 1024
	}
	return &streamMediator{
		handle:     handle,
		pipeline:   pipeline,
		codec:      codec,
		langTag:    langTag,
		hideDetail: hideDetail,
		opts:       opts,
		logger:     logger.With(zap.String("component", "stream-mediator")),
	}
}

type readResult struct {
	line []byte
	err  error
}

// run pumps the stream to completion. It owns the handle: every exit path
// closes it. ctx cancellation means the client went away or the request
// deadline fired; the stream is then abandoned without a terminal frame.
func (m *streamMediator) run(ctx context.Context, w io.Writer, flusher http.Flusher) mediatorResult {
	defer m.handle.Close()

	stop := make(chan struct{})
	defer close(stop)
	reads := make(chan readResult)
	go func() {
		defer close(reads)
		for {
			line, err := m.handle.Next()
			select {
			case reads <- readResult{line: line, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.opts.ScanInterval)
	defer ticker.Stop()

	out := 0
	flush := func() error {
		for _, f := range m.pending {
			n, err := w.Write(f)
			out += n
			if err != nil {
				return err
			}
		}
		m.pending = m.pending[:0]
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	for {
		select {
		case res, ok := <-reads:
			if !ok || res.err != nil {
				var rerr error
				if ok {
					rerr = res.err
				}
				if rerr == io.EOF || rerr == nil {
					// Natural end; scan whatever text is still unverified.
					result := m.finalScan(ctx, w, flush)
					result.bytesOut = out
					return result
				}
				m.logger.Warn("Upstream stream failed mid-flight", zap.Error(rerr))
				frame := m.codec.TerminalErrorFrame(m.upstreamErrorBody())
				n, _ := w.Write(frame)
				if flusher != nil {
					flusher.Flush()
				}
				return mediatorResult{state: stateAborted, err: rerr, bytesOut: out + n}
			}

			f := m.codec.ParseLine(res.line)
			if f.skip {
				continue
			}
			if f.done {
				m.sawDone = true
			}
			if f.delta == "" && len(m.pending) == 0 && !f.done {
				// Nothing scannable and nothing withheld ahead of it:
				// forward immediately to keep latency down.
				n, err := w.Write(f.out)
				out += n
				if err != nil {
					return mediatorResult{state: stateAborted, err: err, bytesOut: out}
				}
				if flusher != nil {
					flusher.Flush()
				}
				continue
			}
			m.pending = append(m.pending, f.out)
			m.unscanned.WriteString(f.delta)

			if m.sawDone {
				result := m.finalScan(ctx, w, flush)
				result.bytesOut = out
				return result
			}
			if m.unscanned.Len() >= m.opts.ScanBytes || m.pendingBytes() >= m.opts.MaxBufferBytes {
				blocked, report, err := m.scanWindow(ctx)
				if err != nil {
					return m.fail(w, flusher, err, out)
				}
				if blocked {
					return m.block(w, flusher, report, out)
				}
				if err := flush(); err != nil {
					return mediatorResult{state: stateAborted, err: err, bytesOut: out}
				}
			}

		case <-ticker.C:
			if m.unscanned.Len() == 0 {
				continue
			}
			blocked, report, err := m.scanWindow(ctx)
			if err != nil {
				return m.fail(w, flusher, err, out)
			}
			if blocked {
				return m.block(w, flusher, report, out)
			}
			if err := flush(); err != nil {
				return mediatorResult{state: stateAborted, err: err, bytesOut: out}
			}

		case <-ctx.Done():
			return mediatorResult{state: stateAborted, err: ctx.Err(), bytesOut: out}
		}
	}
}

// pendingBytes is the size of the withheld frames, which bounds gateway
// memory per stream.
func (m *streamMediator) pendingBytes() int {
	n := 0
	for _, f := range m.pending {
		n += len(f)
	}
	return n
}

// scanWindow runs the output pipeline over the accumulated unscanned text
// and resets the window.
func (m *streamMediator) scanWindow(ctx context.Context) (blocked bool, report scan.Report, err error) {
	text := m.unscanned.String()
	m.unscanned.Reset()
	report, err = m.pipeline.Run(ctx, text)
	if err != nil {
		return false, report, err
	}
	return !report.Allowed, report, nil
}

// finalScan handles end-of-stream: one last scan over any remaining text,
// then either a terminal block frame or the release of all withheld frames.
func (m *streamMediator) finalScan(ctx context.Context, w io.Writer, flush func() error) mediatorResult {
	if m.unscanned.Len() > 0 {
		blocked, report, err := m.scanWindow(ctx)
		if err != nil {
			frame := m.codec.TerminalErrorFrame(m.errorBody(gwerrors.KindScannerError))
			_, _ = w.Write(frame)
			return mediatorResult{state: stateAborted, err: err}
		}
		if blocked {
			m.handle.Close()
			m.pending = nil
			frame := m.codec.TerminalErrorFrame(m.blockBody(report))
			_, _ = w.Write(frame)
			return mediatorResult{state: stateBlocked, report: report}
		}
	}
	if err := flush(); err != nil {
		return mediatorResult{state: stateAborted, err: err}
	}
	return mediatorResult{state: stateFlushed}
}

// block drops the withheld frames, kills the upstream, and ends the client
// stream with a terminal block frame.
func (m *streamMediator) block(w io.Writer, flusher http.Flusher, report scan.Report, out int) mediatorResult {
	m.handle.Close()
	m.pending = nil
	frame := m.codec.TerminalErrorFrame(m.blockBody(report))
	n, _ := w.Write(frame)
	if flusher != nil {
		flusher.Flush()
	}
	return mediatorResult{state: stateBlocked, report: report, bytesOut: out + n}
}

// fail ends the stream after a scan infrastructure error.
func (m *streamMediator) fail(w io.Writer, flusher http.Flusher, err error, out int) mediatorResult {
	m.logger.Error("Output scan failed mid-stream", zap.Error(err))
	m.handle.Close()
	m.pending = nil
	frame := m.codec.TerminalErrorFrame(m.errorBody(gwerrors.KindScannerError))
	n, _ := w.Write(frame)
	if flusher != nil {
		flusher.Flush()
	}
	return mediatorResult{state: stateAborted, err: err, bytesOut: out + n}
}

func (m *streamMediator) blockBody(report scan.Report) ErrorBody {
	return NewBlockBody(gwerrors.KindResponseBlocked, m.langTag, report, m.hideDetail)
}

func (m *streamMediator) errorBody(kind gwerrors.Kind) ErrorBody {
	return NewErrorBody(kind, m.langTag, "")
}

func (m *streamMediator) upstreamErrorBody() ErrorBody {
	return m.errorBody(gwerrors.KindUpstreamError)
}
