// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import "errors"

// Status is the closed set of results a public operation can return, per
// spec.md §7. Transfer-specific USB causes are reported separately in
// Result, not folded into this error.
var (
	ErrInvalidParameter = errors.New("ehci: invalid parameter")
	ErrUnsupported      = errors.New("ehci: unsupported")
	ErrOutOfResources   = errors.New("ehci: out of resources")
	ErrDeviceError      = errors.New("ehci: device error")
	ErrTimeout          = errors.New("ehci: timeout")
)

// Result is a bit-field describing the USB-level outcome of a transfer,
// parallel to the Status error returned alongside it. Zero value is
// ResultNoError.
type Result uint32

const (
	ResultNoError Result = 0
	ResultStall   Result = 1 << iota
	ResultBufferError
	ResultBabble
	ResultTransactionError
	ResultDataBufferError
	ResultNotExecuted
	ResultSystemError
	ResultTimeout
)

// String renders the set bits of a Result for logging.
func (r Result) String() string {
	if r == ResultNoError {
		return "NoError"
	}

	names := []struct {
		bit  Result
		name string
	}{
		{ResultStall, "Stall"},
		{ResultBufferError, "BufferError"},
		{ResultBabble, "Babble"},
		{ResultTransactionError, "TransactionError"},
		{ResultDataBufferError, "DataBufferError"},
		{ResultNotExecuted, "NotExecuted"},
		{ResultSystemError, "SystemError"},
		{ResultTimeout, "Timeout"},
	}

	s := ""

	for _, n := range names {
		if r&n.bit != 0 {
			if s != "" {
				s += "|"
			}

			s += n.name
		}
	}

	return s
}
