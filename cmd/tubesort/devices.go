package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/banshee-data/tubesort/internal/arm"
	"github.com/banshee-data/tubesort/internal/classify"
	"github.com/banshee-data/tubesort/internal/config"
	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/scanner"
	"github.com/banshee-data/tubesort/internal/serialmux"
	"github.com/banshee-data/tubesort/internal/sorter"
)

// devices is the hardware a run drives, real or simulated.
type devices struct {
	arm        *arm.Motion
	scanner    sorter.Scanner
	classifier *classify.Client

	// armMux is nil when the arm is simulated.
	armMux *serialmux.SerialMux[serialmux.TimeoutSerialPorter]
	// classifierSim is the in-process classification service used in dev
	// mode when no service URL is configured.
	classifierSim *http.Server

	closers []func() error
}

func simulated(dev bool, d config.DeviceConfig) bool {
	return dev || d.GetTransport() == config.TransportSim
}

func portOptions(d config.DeviceConfig) serialmux.PortOptions {
	return serialmux.PortOptions{BaudRate: d.GetBaud()}
}

// openDevices connects to the arm, the barcode reader and the classification
// service described by cfg.
func openDevices(cfg *config.Config) (*devices, error) {
	d := &devices{}

	var drv arm.Driver
	if simulated(cfg.GetDev(), cfg.Arm) {
		monitoring.Logf("arm: using simulator")
		drv = arm.NewSimDriver()
	} else {
		mux, err := serialmux.NewPortSerialMux(cfg.Arm.GetTransport(), cfg.Arm.GetAddress(), portOptions(cfg.Arm), cfg.Arm.GetTimeout())
		if err != nil {
			return nil, fmt.Errorf("open arm: %w", err)
		}
		monitoring.Logf("arm: connected over %s to %s", cfg.Arm.GetTransport(), cfg.Arm.GetAddress())
		d.armMux = mux
		drv = arm.NewLineDriver(mux, nil, cfg.Arm.GetTimeout())
		d.closers = append(d.closers, mux.Close)
	}
	d.arm = arm.NewMotion(drv, arm.MotionConfig{
		Program:      cfg.Arm.GetMotionProgram(),
		Timeout:      cfg.Arm.GetMotionTimeout(),
		PollInterval: cfg.Arm.GetPollInterval(),
	})

	if simulated(cfg.GetDev(), cfg.Scanner) {
		monitoring.Logf("scanner: using simulator")
		d.scanner = scanner.NewSimDevice(cfg.Geometry.GetGroupSize())
	} else {
		dev, err := scanner.Open(cfg.Scanner.GetTransport(), cfg.Scanner.GetAddress(), portOptions(cfg.Scanner), cfg.Scanner.GetTimeout())
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open scanner: %w", err)
		}
		monitoring.Logf("scanner: connected over %s to %s", cfg.Scanner.GetTransport(), cfg.Scanner.GetAddress())
		d.scanner = dev
		d.closers = append(d.closers, dev.Close)
	}

	url := cfg.Classifier.GetURL()
	if cfg.GetDev() && cfg.Classifier.URL == nil {
		addr, srv, err := startClassifierSim()
		if err != nil {
			d.Close()
			return nil, err
		}
		d.classifierSim = srv
		url = "http://" + addr
		monitoring.Logf("classifier: using in-process simulator on %s", addr)
	}
	d.classifier = classify.NewClient(url,
		classify.WithCodes(cfg.Classifier.GetCodes()),
		classify.WithMesType(cfg.Classifier.GetMesType()),
		classify.WithTimeout(cfg.Classifier.GetTimeout()),
	)
	return d, nil
}

func startClassifierSim() (string, *http.Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("listen for classifier simulator: %w", err)
	}
	srv := &http.Server{Handler: classify.NewSimulator(nil).Handler()}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logf("classifier simulator stopped: %v", err)
		}
	}()
	return ln.Addr().String(), srv, nil
}

// monitor runs the serial read loops until ctx is done.
func (d *devices) monitor(ctx context.Context, wg *sync.WaitGroup) {
	if d.armMux == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.armMux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("arm: serial monitor failed: %v", err)
		}
		monitoring.Logf("arm: monitor routine terminated")
	}()
}

// attachAdminRoutes adds the device debug views.
func (d *devices) attachAdminRoutes(mux *http.ServeMux, cfg *config.Config) {
	if d.armMux != nil {
		d.armMux.AttachAdminRoutes(mux, "arm")
	}
	scanner.AttachAdminRoutes(mux, d.scanner, cfg.Scanner.GetDwell())
}

func (d *devices) Close() {
	if d.classifierSim != nil {
		if err := d.classifierSim.Close(); err != nil {
			monitoring.Logf("classifier simulator close: %v", err)
		}
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			monitoring.Logf("device close: %v", err)
		}
	}
}
