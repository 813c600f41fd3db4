package httptransport

import (
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/log"
)

// rangeTrace observes the connection stages of one range request. Every
// stage is reported to the tracer histogram as the time elapsed since the
// request started. Log lines carry the requested range so slow fetches can
// be matched to the reads that caused them.
type rangeTrace struct {
	mrt   *meteredRoundTripper
	start time.Time
	log   *logrus.Entry
}

func (mrt *meteredRoundTripper) newTracer(start time.Time, r *http.Request) *httptrace.ClientTrace {
	t := &rangeTrace{
		mrt:   mrt,
		start: start,
		log: log.WithFields(log.Fields{
			"client_name": mrt.name,
			"req_range":   r.Header.Get("Range"),
		}),
	}

	return &httptrace.ClientTrace{
		GetConn: func(host string) {
			t.observe("get_connection").WithField("host", host).Traceln("get_connection")
		},
		GotConn: func(info httptrace.GotConnInfo) {
			t.observe("got_connection").WithFields(log.Fields{
				"reused":       info.Reused,
				"was_idle":     info.WasIdle,
				"idle_time_ms": info.IdleTime.Milliseconds(),
			}).Traceln("got_connection")
		},
		GotFirstResponseByte: func() {
			t.observe("got_first_response_byte")
		},
		DNSStart: func(httptrace.DNSStartInfo) {
			t.observe("dns_lookup_start")
		},
		DNSDone: func(d httptrace.DNSDoneInfo) {
			t.done(t.observe("dns_lookup_done"), "dns_lookup_done", d.Err)
		},
		ConnectStart: func(network, addr string) {
			t.observe("connect_start").WithFields(log.Fields{
				"network": network,
				"address": addr,
			}).Traceln("connect_start")
		},
		ConnectDone: func(network, addr string, err error) {
			l := t.observe("connect_done").WithFields(log.Fields{
				"network": network,
				"address": addr,
			})

			t.done(l, "connect_done", err)
		},
		TLSHandshakeStart: func() {
			t.observe("tls_handshake_start")
		},
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			l := t.observe("tls_handshake_done").WithFields(log.Fields{
				"version":            state.Version,
				"connection_resumed": state.DidResume,
			})

			t.done(l, "tls_handshake_done", err)
		},
	}
}

// observe records stage and returns the log entry of the request
func (t *rangeTrace) observe(stage string) *logrus.Entry {
	t.mrt.tracer.WithLabelValues(stage).Observe(time.Since(t.start).Seconds())

	return t.log
}

func (t *rangeTrace) done(l *logrus.Entry, stage string, err error) {
	if err != nil {
		l.WithError(err).Error(stage)
		return
	}

	l.Traceln(stage)
}
