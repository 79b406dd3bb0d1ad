//go:build mediadevices

package main

import (
	"github.com/rtcheap/call-manager/internal/rtc"
	"go.uber.org/zap"
)

func mediaDevices() rtc.MediaDevices {
	devices, err := rtc.NewCaptureDevices()
	if err != nil {
		log.Fatal("failed to open capture devices", zap.Error(err))
	}
	return devices
}
