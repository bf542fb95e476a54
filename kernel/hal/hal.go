// Package hal probes for the devices supported by the kernel and connects
// their drivers to the rest of the system.
package hal

import (
	"bytes"
	"io"
	"sort"

	"github.com/akeamc/aaos/device"
	"github.com/akeamc/aaos/device/keyboard"
	"github.com/akeamc/aaos/device/rtc"
	"github.com/akeamc/aaos/device/serial"
	"github.com/akeamc/aaos/kernel/hal/multiboot"
	"github.com/akeamc/aaos/kernel/kfmt"
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	// activeSink is the driver currently receiving kernel output.
	activeSink io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer

	// driverListFn is mocked by tests.
	driverListFn = driverList

	getBootCmdLineFn = multiboot.GetBootCmdLine
)

// driverList returns the drivers known to the kernel. The runtime init tasks
// of the kernel image are never executed so drivers cannot self-register from
// package init functions.
func driverList() device.DriverInfoList {
	var list device.DriverInfoList

	add := func(order device.DetectOrder, probes []device.ProbeFn) {
		for _, probe := range probes {
			list = append(list, &device.DriverInfo{Order: order, Probe: probe})
		}
	}

	add(device.DetectOrderEarly, serial.HWProbes())
	add(device.DetectOrderNormal, keyboard.HWProbes())
	add(device.DetectOrderNormal, rtc.HWProbes())

	return list
}

// ActiveDrivers returns the drivers that were successfully initialized by
// DetectHardware.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware() {
	// Get driver list and sort by detection priority
	drivers := driverListFn()
	sort.Stable(drivers)

	probe(drivers)
}

// sinkWriter forwards its input to whatever kfmt output sink is active at
// the time of the write.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	kfmt.Write(p)
	return len(p), nil
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: sinkWriter{}}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		onDriverInit(info, drv)
		kfmt.Fprintf(&w, "initialized\n")
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. The first driver capable of accepting output
// becomes the kernel output sink unless "console=none" is passed on the boot
// command line.
func onDriverInit(_ *device.DriverInfo, drv device.Driver) {
	switch drvImpl := drv.(type) {
	case io.Writer:
		if devices.activeSink != nil {
			return
		}

		if getBootCmdLineFn()["console"] == "none" {
			return
		}

		devices.activeSink = drvImpl
		kfmt.SetOutputSink(drvImpl)
	}
}
