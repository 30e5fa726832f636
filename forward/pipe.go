package forward

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

const copyBufferSize = 32 * 1024

// benignDisconnects are the error strings produced by ordinary peer or
// socket teardown. They are logged at debug level unless the operator
// asked for expected warnings.
var benignDisconnects = []string{
	"connection reset by peer",
	"broken pipe",
	"use of closed network connection",
	"stream closed",
	"session shutdown",
	"io: read/write on closed pipe",
}

// benign reports whether an error is an expected disconnect rather than
// a fault.
func benign(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	for _, s := range benignDisconnects {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// logDisconnect routes a pipe-termination error to the right log level.
func logDisconnect(fields logrus.Fields, err error, warnings bool) {
	if err == nil || errors.Is(err, io.EOF) {
		return
	}
	entry := logrus.WithFields(fields).WithField("error", err.Error())
	switch {
	case !benign(err):
		entry.Warn("Stream ended with error")
	case warnings:
		entry.Warn("Expected disconnect")
	default:
		entry.Debug("Expected disconnect")
	}
}

// meteredWriter accounts bytes as they pass through.
type meteredWriter struct {
	w     io.Writer
	count func(int64)
}

func (m *meteredWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	if n > 0 && m.count != nil {
		m.count(int64(n))
	}
	return n, err
}

// throttledWriter paces writes through a token bucket before they reach
// the underlying writer.
type throttledWriter struct {
	w   io.Writer
	t   *Throttle
	ctx context.Context
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	if err := tw.t.Wait(tw.ctx, len(p)); err != nil {
		return 0, err
	}
	return tw.w.Write(p)
}

// pump copies src into dst until EOF or error. io.Copy honors write
// backpressure, so a stalled downstream stops the upstream read.
func pump(dst io.Writer, src io.Reader) error {
	buf := make([]byte, copyBufferSize)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}
