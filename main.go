// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/otgkit/otg-device-core/otg"
	"github.com/otgkit/otg-device-core/ring"
	"github.com/otgkit/otg-device-core/usbd"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// loopback is the demo class layer: every OUT packet received on the
// endpoint is echoed back through the IN direction, queue-backed.
type loopback struct {
	logger log.Logger
	ep     int

	cfg      usbd.EndpointConfig
	inState  usbd.InEndpointState
	outState usbd.OutEndpointState
	inRing   *ring.Ring
	rxBuf    []byte
}

func newLoopback(spec endpointSpec, logger log.Logger) *loopback {
	mode, _ := spec.mode()
	lb := &loopback{
		logger: logger,
		ep:     spec.Number,
	}
	lb.cfg = usbd.EndpointConfig{
		Mode:         mode,
		InMultiplier: spec.Multiplier,
		InState:      &lb.inState,
		OutState:     &lb.outState,
	}
	if spec.In != nil {
		lb.cfg.InCb = lb.inDone
		lb.cfg.InMaxSize = spec.In.MaxPacketSize
		lb.inRing = ring.New(spec.In.BufferSize)
	}
	if spec.Out != nil {
		lb.cfg.OutCb = lb.outDone
		lb.cfg.OutMaxSize = spec.Out.MaxPacketSize
		lb.rxBuf = make([]byte, spec.Out.BufferSize)
	}
	return lb
}

// configure installs the endpoint and arms the first receive. Runs in the
// reset event callback.
func (lb *loopback) configure(d *usbd.Driver) {
	d.InitEndpoint(lb.ep, &lb.cfg)
	if lb.cfg.OutCb != nil {
		lb.armReceive(d)
	}
}

func (lb *loopback) armReceive(d *usbd.Driver) {
	lb.outState.SetLinear(lb.rxBuf)
	d.PrepareReceive(lb.ep)
	d.StartOut(lb.ep)
}

// outDone runs on receive completion: echo the payload and re-arm.
func (lb *loopback) outDone(d *usbd.Driver, ep int) {
	n := lb.outState.RxCnt
	if lb.cfg.InCb != nil && n > 0 {
		_, _ = lb.inRing.Write(lb.rxBuf[:n])
		lb.inState.SetQueue(lb.inRing, n)
		d.PrepareTransmit(ep)
		d.StartIn(ep)
	}
	lb.armReceive(d)
}

func (lb *loopback) inDone(_ *usbd.Driver, ep int) {
	_ = level.Debug(lb.logger).Log("msg", "echo transmitted", "ep", ep)
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	endpointSpecs, err := getConfiguredEndpoints()
	if err != nil {
		return errors.Wrap(err, "failed to load endpoint table")
	}

	var w io.Writer = os.Stdout
	if logFile := viper.GetString("log-file"); logFile != "" {
		w = &lumberjack.Logger{Filename: logFile, MaxSize: 10, MaxBackups: 3}
	}
	logger := log.NewJSONLogger(log.NewSyncWriter(w))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	core := otg.NewCore()
	loopbacks := make([]*loopback, 0, len(endpointSpecs))
	for _, spec := range endpointSpecs {
		loopbacks = append(loopbacks, newLoopback(spec, log.With(logger, "ep", spec.Number)))
	}
	drv := usbd.New(core, usbd.Config{
		EventCb: func(d *usbd.Driver, e usbd.Event) {
			if e != usbd.EventReset {
				return
			}
			_ = level.Info(logger).Log("msg", "bus reset, configuring endpoints")
			for _, lb := range loopbacks {
				lb.configure(d)
			}
		},
		Logger:     log.With(logger, "component", "usbd"),
		Registerer: r,
	})
	drv.Start()
	defer drv.Close()

	{
		// Interrupt service actor: the controller interrupt line drives
		// the driver's handler.
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-core.IRQ():
					drv.ServeInterrupt()
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		// Synthetic host actor: brings the bus up, then exchanges echo
		// traffic with the first fully bidirectional endpoint.
		var echoEp *loopback
		for _, lb := range loopbacks {
			if lb.cfg.InCb != nil && lb.cfg.OutCb != nil {
				echoEp = lb
				break
			}
		}
		cancel := make(chan struct{})
		g.Add(func() error {
			core.InjectBusReset()
			if echoEp == nil {
				<-cancel
				return nil
			}
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			seq := 0
			for {
				select {
				case <-ticker.C:
					if echoed := core.CollectIn(echoEp.ep); len(echoed) > 0 {
						core.CompleteIn(echoEp.ep)
						_ = level.Info(logger).Log("msg", "host received echo", "data", string(echoed))
					}
					seq++
					payload := fmt.Sprintf("ping %d", seq)
					core.InjectOutData(echoEp.ep, []byte(payload))
					core.InjectOutComplete(echoEp.ep)
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	_ = logger.Log("msg", "starting the OTG device-mode packet engine")
	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
