//go:build !mediadevices

package main

import "github.com/rtcheap/call-manager/internal/rtc"

func mediaDevices() rtc.MediaDevices {
	return rtc.NewSampleDevices()
}
