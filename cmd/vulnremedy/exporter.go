// ABOUTME: Long-running serve mode: periodic remediation passes plus the read-only HTTP endpoints.
// ABOUTME: Every response carries hardened headers and names the record that halted automatic upgrades.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/engine"
	"github.com/jfeddern/VulnRemedy/internal/metrics"
	"github.com/jfeddern/VulnRemedy/internal/server"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HaltedByHeader names the record whose failed rollback stopped automatic upgrades
const HaltedByHeader = "X-VulnRemedy-Halted-By"

var securityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
}

type Exporter struct {
	config   *engine.Config
	logger   *logrus.Logger
	engine   *engine.Engine
	metrics  *metrics.MetricsHandler
	haltedBy func() string
}

func NewExporter(ctx context.Context, app *App) (*Exporter, error) {
	config := app.config
	app.logger.WithFields(logrus.Fields{
		"mode":           config.Mode,
		"port":           config.Port,
		"scan_interval":  config.ScanInterval,
		"auto_remediate": config.AutoRemediate,
		"db_path":        config.DBPath,
	}).Info("Initializing VulnRemedy")

	remediationEngine, validator, err := app.buildEngine(ctx)
	if err != nil {
		return nil, err
	}

	metricsHandler := metrics.NewMetricsHandler(remediationEngine.Tracker(), remediationEngine, app.logger)
	if validator != nil {
		validator.SetObserver(metricsHandler)
	}

	return &Exporter{
		config:   config,
		logger:   app.logger,
		engine:   remediationEngine,
		metrics:  metricsHandler,
		haltedBy: remediationEngine.ManualIntervention,
	}, nil
}

// Start runs remediation passes and the HTTP server until ctx is done or either fails
func (e *Exporter) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", e.config.Port),
		Handler:           server.NewMux(e.engine.Tracker(), e.engine, e.metrics, e.securityMiddleware, e.logger),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.engine.Start(gctx)
		return nil
	})
	g.Go(func() error {
		e.logger.WithFields(logrus.Fields{
			"port":           e.config.Port,
			"auto_remediate": e.config.AutoRemediate,
		}).Info("Serving remediation records")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server on port %d: %w", e.config.Port, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		e.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases the tracker store
func (e *Exporter) Close() error {
	return e.engine.Tracker().Close()
}

// securityMiddleware allows only GET and HEAD, and flags responses while upgrades are halted
func (e *Exporter) securityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		for name, value := range securityHeaders {
			header.Set(name, value)
		}

		logger := e.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"route":     r.Pattern,
			"path":      r.URL.Path,
			"remote_ip": r.RemoteAddr,
		})

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			header.Set("Allow", "GET, HEAD")
			logger.Warn("Rejected request, records are read-only")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if e.haltedBy != nil {
			if id := e.haltedBy(); id != "" {
				header.Set(HaltedByHeader, id)
				logger = logger.WithField("halted_by", id)
			}
		}
		logger.Debug("Serving request")
		next(w, r)
	}
}
