// Command bmvd runs the battery monitor driver as a standalone daemon: it
// opens the configured serial port, starts the protocol engine, and logs
// every committed telemetry change through the info-level logger
// (stderr by default).
package main

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoAethereal/cancel"

	"github.com/vrm-tools/bmv-driver"
	"github.com/vrm-tools/bmv-driver/internal/dlog"
)

var (
	flagConfigFile = flag.String("config", "./app-config.json", "Path to the driver's `app-config.json`")
	flagLogLevel   = flag.String("log-level", "info", "Minimum log level: debug, info, warn or err")
)

// portOpenRetryInterval is the fixed backoff between serial port open
// attempts (spec.md §7: "Port open failure — retried with fixed backoff
// until the configuration is loaded and the port is available").
const portOpenRetryInterval = 2 * time.Second

func main() {
	flag.Parse()
	dlog.SetLevel(*flagLogLevel)

	cfg, err := bmv.LoadConfig(*flagConfigFile)
	if err != nil {
		dlog.Err.Fatalf("loading %s: %v", *flagConfigFile, err)
	}
	if cfg.SerialDevice == "" {
		dlog.Err.Fatalf("no serial-device configured in %s", *flagConfigFile)
	}

	port := openPortWithBackoff(cfg.SerialDevice)
	defer port.Close()

	var recorder *bmv.Recorder
	if cfg.RecordingEnabled {
		recorder, err = bmv.OpenRecorder(cfg.RecordingFile)
		if err != nil {
			dlog.Err.Fatalf("opening recording file %s: %v", cfg.RecordingFile, err)
		}
		defer recorder.Close()
	}

	driver := bmv.NewDriver(port, cfg, recorder)
	driver.RegisterChangeListener(func(changes map[string]bmv.Change, frameTimestamp time.Time) {
		for key, c := range changes {
			dlog.Info.Printf("%s: %s -> %s", key, c.OldFormatted, c.NewFormatted)
		}
		_ = frameTimestamp
	})

	root := cancel.New()
	if err := driver.Start(root); err != nil {
		dlog.Err.Fatalf("starting driver: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	dlog.Info.Printf("shutting down")
	root.Cancel()
	driver.Stop()
}

func openPortWithBackoff(device string) io.ReadWriteCloser {
	for {
		port, err := bmv.OpenPort(device)
		if err == nil {
			return port
		}
		dlog.Warn.Printf("opening %s: %v, retrying in %s", device, err, portOpenRetryInterval)
		time.Sleep(portOpenRetryInterval)
	}
}
