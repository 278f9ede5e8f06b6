// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

// portStateBits and portChangeBits are the PORTSC<->abstract-status
// mapping tables of spec.md §4.G, grounded on the original EhciDxe's
// mUsbPortStateMap/mUsbPortChangeMap: a read-only table pairing a
// hardware bit with the PortStatus field it sets.
var portStateBits = []struct {
	hw  uint32
	set func(*PortStatus)
}{
	{portConnect, func(s *PortStatus) { s.Connection = true }},
	{portEnable, func(s *PortStatus) { s.Enable = true }},
	{portSuspend, func(s *PortStatus) { s.Suspend = true }},
	{portOverCurrent, func(s *PortStatus) { s.OverCurrent = true }},
	{portReset, func(s *PortStatus) { s.Reset = true }},
	{portPower, func(s *PortStatus) { s.Power = true }},
	{portOwner, func(s *PortStatus) { s.Owner = true }},
}

var portChangeBits = []struct {
	hw  uint32
	set func(*PortStatus)
}{
	{portConnectChange, func(s *PortStatus) { s.ConnectChange = true }},
	{portEnableChange, func(s *PortStatus) { s.EnableChange = true }},
	{portOverCurChange, func(s *PortStatus) { s.OverCurrentChange = true }},
}

// GetRootHubPortStatus implements spec.md §4.G / §6 GetRootHubPortStatus.
func (c *Controller) GetRootHubPortStatus(port int) (PortStatus, error) {
	if port < 0 || port >= c.cap.PortCount {
		return PortStatus{}, ErrInvalidParameter
	}

	token := c.pri.raise()
	defer c.pri.restore(token)

	raw := c.win.readPortSC(port)

	var status PortStatus

	for _, b := range portStateBits {
		if raw&b.hw != 0 {
			b.set(&status)
		}
	}

	for _, b := range portChangeBits {
		if raw&b.hw != 0 {
			b.set(&status)
		}
	}

	if status.ConnectChange && status.Connection {
		recordPortConnect()
		debugf("port %d connect", port)
	}

	// Speed disambiguation, per spec.md §4.G: K-state line status means
	// a low-speed device connected directly; otherwise Enable implies
	// high-speed (full-speed is inferred by the caller after reset
	// handoff to the companion controller).
	switch {
	case raw&portLineStatus == lineStatusKState:
		status.LowSpeed = true
	case status.Enable:
		status.HighSpeed = true
	}

	return status, nil
}

// SetRootHubPortFeature implements spec.md §4.G / §6.
func (c *Controller) SetRootHubPortFeature(port int, feature Feature) error {
	if port < 0 || port >= c.cap.PortCount {
		return ErrInvalidParameter
	}

	token := c.pri.raise()
	defer c.pri.restore(token)

	switch feature {
	case FeatureEnable:
		c.win.writePortSC(port, c.win.readPortSC(port)|portEnable, 0)
	case FeatureSuspend:
		c.win.writePortSC(port, c.win.readPortSC(port)|portSuspend, 0)
	case FeatureReset:
		// PortReset additionally clears PortEnable, per spec.md §4.G.
		raw := (c.win.readPortSC(port) | portReset) &^ portEnable
		c.win.writePortSC(port, raw, 0)
	case FeaturePower:
		c.win.writePortSC(port, c.win.readPortSC(port)|portPower, 0)
	case FeatureOwner:
		c.win.writePortSC(port, c.win.readPortSC(port)|portOwner, 0)
	default:
		return ErrInvalidParameter
	}

	return nil
}

// ClearRootHubPortFeature implements spec.md §4.G / §6.
func (c *Controller) ClearRootHubPortFeature(port int, feature Feature) error {
	if port < 0 || port >= c.cap.PortCount {
		return ErrInvalidParameter
	}

	token := c.pri.raise()
	defer c.pri.restore(token)

	switch feature {
	case FeatureEnable:
		c.win.writePortSC(port, c.win.readPortSC(port)&^portEnable, 0)
	case FeatureSuspend:
		// Clearing Suspend is a no-op: PORTSC is not written and the
		// port is not resumed.
	case FeatureReset:
		// Ends reset signaling by clearing PortReset; the hardware sets
		// PortEnable once the reset completes.
		c.win.writePortSC(port, c.win.readPortSC(port)&^portReset, 0)
	case FeaturePower:
		c.win.writePortSC(port, c.win.readPortSC(port)&^portPower, 0)
	case FeatureOwner:
		c.win.writePortSC(port, c.win.readPortSC(port)&^portOwner, 0)
	case FeatureConnectionChange:
		c.win.writePortSC(port, c.win.readPortSC(port), portConnectChange)
	case FeatureEnableChange:
		c.win.writePortSC(port, c.win.readPortSC(port), portEnableChange)
	case FeatureOverCurrentChange:
		c.win.writePortSC(port, c.win.readPortSC(port), portOverCurChange)
	default:
		return ErrInvalidParameter
	}

	return nil
}
