// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

// Speed is the USB device speed negotiated for an endpoint.
type Speed int

const (
	SpeedLow Speed = iota
	SpeedFull
	SpeedHigh
)

// PID is the USB packet identifier used by a QTD, p34 3.5 Transfer
// Overlay (token bits 9:8), EHCI 1.0.
type PID int

const (
	PIDOut PID = iota
	PIDIn
	PIDSetup
)

// TransferType tags the kind of transfer a QTD chain was built for. Each
// builder in urb.go records it in the urb; callers pick the builder
// function directly rather than dispatching on this tag.
type TransferType int

const (
	TransferControl TransferType = iota
	TransferBulk
	TransferInterruptSync
	TransferInterruptAsync
)

// ResetKind selects the variant of Reset requested by a client, per
// spec.md §6.
type ResetKind int

const (
	ResetGlobal ResetKind = iota
	ResetHostController
	ResetGlobalDebug
	ResetHostControllerDebug
)

// ControllerState is the coarse operational state surfaced by
// GetState/SetState.
type ControllerState int

const (
	StateHalt ControllerState = iota
	StateOperational
	StateSuspend
)

// Feature identifies a root-hub port feature for Set/ClearRootHubPortFeature.
type Feature int

const (
	FeatureConnection Feature = iota
	FeatureEnable
	FeatureSuspend
	FeatureOverCurrent
	FeatureReset
	FeaturePower
	FeatureOwner
	FeatureConnectionChange
	FeatureEnableChange
	FeatureOverCurrentChange
)

// PortStatus is the abstract port-status/change vocabulary returned by
// GetRootHubPortStatus, decoupled from the PORTSC bit layout by the
// tables in roothub.go.
type PortStatus struct {
	Connection  bool
	Enable      bool
	Suspend     bool
	OverCurrent bool
	Reset       bool
	Power       bool
	Owner       bool
	LowSpeed    bool
	HighSpeed   bool

	ConnectChange     bool
	EnableChange      bool
	OverCurrentChange bool
}

// Translator carries a low/full-speed device's upstream hub address/port
// for split-transaction scheduling. Only the address/port fields are
// honored (spec.md Non-goals): no transaction-translator think-time
// accounting is performed.
type Translator struct {
	HubAddress uint8
	HubPort    uint8
}

// TransferDirection is the USB endpoint direction, kept distinct from
// Direction (bus.go) which describes DMA mapping direction instead.
type TransferDirection int

const (
	Out TransferDirection = iota
	In
)

// EndpointDescriptor describes the endpoint a transfer targets, echoed
// back unchanged to the caller in URB bookkeeping.
type EndpointDescriptor struct {
	Address    uint8
	Number     uint8
	Direction  TransferDirection
	MaxPacket  uint16
	Speed      Speed
	Translator Translator
}
