package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoggingTransport wraps an http.RoundTripper and appends request and response headers
// to a log file. JSON bodies are logged as well; media bodies never are.
type LoggingTransport struct {
	Transport http.RoundTripper

	mu      sync.Mutex // guards writer, not the round trip
	logFile *os.File
	writer  *bufio.Writer
}

// NewLoggingTransport opens logFilePath for appending. A nil transport uses http.DefaultTransport.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open request log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{Transport: transport, logFile: f, writer: bufio.NewWriter(f)}, nil
}

// RoundTrip performs the request and logs it. Concurrent downloads are not serialised.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if reqDump, err := httputil.DumpRequestOut(req, false); err != nil {
		log.WithError(err).Warn("Failed to dump request for logging")
	} else {
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s", start.Format(time.RFC3339), reqDump))
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(start)
	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (%s, %v) ---\n%s", req.URL, duration, err))
		return resp, err
	}

	contentType := resp.Header.Get("Content-Type")
	header, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		header = []byte("Status: " + resp.Status)
	}

	if strings.HasPrefix(contentType, "application/json") {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			t.writeLog(fmt.Sprintf("--- Response (%s, %v) ---\n%s\n(body read failed: %v)", req.URL, duration, header, readErr))
			return nil, fmt.Errorf("%w: %v", ErrHttpRequest, readErr)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		t.writeLog(fmt.Sprintf("--- Response (%s, %v) ---\n%s\n%s", req.URL, duration, header, body))
		return resp, nil
	}

	t.writeLog(fmt.Sprintf("--- Response (%s, %v, %s) ---\n%s\n(body not logged)", req.URL, duration, contentType, header))
	return resp, nil
}

func (t *LoggingTransport) writeLog(entry string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(entry + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to request log file: %v\n", err)
		return
	}
	_ = t.writer.Flush()
}

// Close flushes and closes the log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush request log buffer: %w", errFlush)
	}
	return errClose
}
