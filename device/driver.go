// Package device defines the contract between the hardware abstraction layer
// and the device drivers it probes for.
package device

import (
	"io"

	"github.com/akeamc/aaos/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func() Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the hal package.
type DetectOrder int8

const (
	// DetectOrderEarly specifies that the driver's probe function should
	// be executed before any other probe. Drivers providing an output
	// sink use it so that the output of later probes is visible.
	DetectOrderEarly DetectOrder = -128 + iota

	// DetectOrderNormal specifies the default probe priority.
	DetectOrderNormal DetectOrder = 0

	// DetectOrderLast specifies that the driver's probe function should
	// be executed after all other probes.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo is a driver-defined struct that is passed to the hal package.
type DriverInfo struct {
	// Order specifies at which stage of the HW detection step the probe
	// function should be invoked.
	Order DetectOrder

	// Probe is invoked to detect the presence of the hardware handled by
	// the driver.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
