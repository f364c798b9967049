package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fulgidus/seedstream/internal/stream"
)

// errPieceStall is returned when a piece does not arrive within the read wait.
var errPieceStall = errors.New("piece wait timed out")

// handleTorrent serves GET and HEAD on /torrent/{streamId}.
func (s *Server) handleTorrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		WriteError(w, r, MethodNotAllowed(r.Method))
		s.metrics.observeResponse("405")
		return
	}

	streamID := r.PathValue("streamId")
	src, ok := s.resolve(streamID)
	if !ok {
		WriteError(w, r, NotFound("stream "+streamID))
		s.metrics.observeResponse("404")
		return
	}

	size := src.Size
	br := ByteRange{Start: 0, End: size - 1}
	status := http.StatusOK

	if header := r.Header.Get("Range"); header != "" {
		parsed, err := ParseRange(header, size)
		switch {
		case errors.Is(err, errRangeUnit):
			// Not a byte range: serve the whole file.
		case err != nil:
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			s.metrics.observeResponse("416")
			return
		default:
			br = parsed
			status = http.StatusPartialContent
		}
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", src.MimeType)
	h.Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	h.Set("Connection", "keep-alive")
	if status == http.StatusPartialContent {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, size))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		s.metrics.observeResponse(strconv.Itoa(status))
		return
	}

	logger := s.logger.With(
		zap.String("stream_id", streamID),
		zap.String("request_id", GetRequestID(r)),
	)

	f, err := s.openWithRetry(r.Context(), src.Path)
	if err != nil {
		logger.Warn("failed to open backing file", zap.String("path", src.Path), zap.Error(err))
		h.Del("Content-Length")
		h.Del("Content-Range")
		WriteError(w, r, IOFailure("backing file unavailable"))
		s.metrics.observeResponse("500")
		return
	}
	defer f.Close()

	w.WriteHeader(status)
	s.metrics.observeResponse(strconv.Itoa(status))

	written, err := s.copyRange(r.Context(), w, f, src, br)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		logger.Debug("playback response cancelled", zap.Int64("written", written))
	default:
		logger.Warn("playback response ended early",
			zap.Int64("start", br.Start),
			zap.Int64("written", written),
			zap.Int64("wanted", br.Length()),
			zap.Error(err),
		)
	}
}

// openWithRetry opens the backing file, which may not exist yet right after
// a stream was prepared.
func (s *Server) openWithRetry(ctx context.Context, path string) (*os.File, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.OpenAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.cfg.OpenDelay); err != nil {
				return nil, err
			}
		}
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: open %s after %d attempts: %v", stream.ErrIOFailure, path, s.cfg.OpenAttempts, lastErr)
}

// copyRange streams br from f to w. Every chunk first waits for the piece
// under its offset and boosts the read window there; a chunk never crosses
// a piece boundary.
func (s *Server) copyRange(ctx context.Context, w io.Writer, f io.ReaderAt, src Source, br ByteRange) (int64, error) {
	g := src.Gate.Geometry()
	buf := make([]byte, s.chunk)

	off := br.Start
	remaining := br.Length()
	var written int64

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		piece := g.PieceAt(off)
		waitStart := time.Now()
		ready := src.Gate.WaitForPiece(ctx, piece, s.readWait)
		s.metrics.observePieceWait(ready, time.Since(waitStart))
		if !ready {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			return written, fmt.Errorf("%w: piece %d", errPieceStall, piece)
		}
		src.Gate.BoostForRead(piece)

		n := min(remaining, int64(len(buf)), g.PieceEnd(piece)-off)
		if n <= 0 {
			n = min(remaining, int64(len(buf)))
		}

		got, err := s.readWithRetry(ctx, f, buf[:n], off)
		if got > 0 {
			wn, werr := w.Write(buf[:got])
			written += int64(wn)
			s.metrics.addBytes(wn)
			if werr != nil {
				return written, werr
			}
			off += int64(got)
			remaining -= int64(got)
		}
		if err != nil {
			if nearEOF(off, src.Size, g.PieceLength) {
				// The final partial piece often lags on disk; end cleanly.
				return written, nil
			}
			return written, err
		}
	}

	return written, nil
}

// readWithRetry fills p from offset off. A piece can be reported complete
// slightly before its bytes are readable, so short reads are retried.
func (s *Server) readWithRetry(ctx context.Context, f io.ReaderAt, p []byte, off int64) (int, error) {
	got := 0
	var lastErr error

	for attempt := 0; attempt < s.cfg.ReadAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.cfg.ReadDelay); err != nil {
				return got, err
			}
		}

		n, err := f.ReadAt(p[got:], off+int64(got))
		got += n
		if got == len(p) {
			return got, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			lastErr = err
		}
	}

	if lastErr == nil {
		lastErr = io.ErrUnexpectedEOF
	}
	return got, fmt.Errorf("%w: read at %d: %v", stream.ErrIOFailure, off+int64(got), lastErr)
}

// nearEOF reports whether off lies within the last piece of the file.
func nearEOF(off, size, pieceLength int64) bool {
	return size-off <= pieceLength
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
