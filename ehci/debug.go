// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import (
	"log"
	"net/http"
	"sync/atomic"

	_ "github.com/mkevac/debugcharts"
)

// Debug gates verbose, bring-up-oriented tracing. Off by default; set to
// true before Start to log port transitions, IAAD fallbacks and
// async-interrupt callback errors.
var Debug bool

func debugf(format string, args ...interface{}) {
	if Debug {
		log.Printf("ehci: "+format, args...)
	}
}

// stats holds in-process counters updated from the poller, the schedule
// manager and the root hub. They are not registered with any HTTP
// handler, so debugcharts does not render them.
var stats struct {
	portConnects   int64
	iaadFallbacks  int64
	callbackErrors int64
}

func recordPortConnect()  { atomic.AddInt64(&stats.portConnects, 1) }
func recordIAADFallback() { atomic.AddInt64(&stats.iaadFallbacks, 1) }
func recordCallbackError() {
	atomic.AddInt64(&stats.callbackErrors, 1)
}

// ServeDebugCharts starts debugcharts' live runtime-metric HTTP server on
// addr, serving the usual Go runtime graphs; this package's stats
// counters are not among them. It is the driver's only HTTP debug
// surface; callers
// that don't want it simply never call this function (the import is the
// only unconditional cost, the charting HTTP handler itself installs
// lazily on package init via debugcharts' own side effect).
func ServeDebugCharts(addr string) error {
	return http.ListenAndServe(addr, nil)
}
