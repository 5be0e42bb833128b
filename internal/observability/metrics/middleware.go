package metrics

import (
	"net/http"
	"time"
)

// ResponseRecorder wraps an http.ResponseWriter to capture the status code and
// the number of body bytes written.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

// NewResponseRecorder constructs a ResponseRecorder defaulting the status code
// to 200 OK when WriteHeader is not invoked by the handler.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status exposes the status code written to the response.
func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// Written reports the number of body bytes written so far.
func (rr *ResponseRecorder) Written() int64 {
	return rr.written
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	if rr.wroteHeader {
		return
	}
	rr.wroteHeader = true
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(p)
	rr.written += int64(n)
	return n, err
}

// Flush flushes the response when supported by the underlying writer.
func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// HTTPMiddleware records request metrics around the provided handler using the
// supplied recorder (falling back to metrics.Default when nil).
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		rec.ObserveRequest(r.Method, r.URL.Path, rr.Status(), time.Since(start))
	})
}
