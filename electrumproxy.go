/*
 * Copyright (c) 2013, 2014 Conformal Systems LLC <info@conformal.com>
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/btcsuite/electrumproxy/cachedb"
	"github.com/btcsuite/electrumproxy/electrum"
	"github.com/btcsuite/electrumproxy/internal/prompt"
	"github.com/btcsuite/electrumproxy/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxTrustRounds bounds how many certificate decisions are attempted before
// startup gives up.
const maxTrustRounds = 3

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := proxyMain(); err != nil {
		os.Exit(1)
	}
}

// proxyMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func proxyMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, connCfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s (%s)", version(), activeNet.Name)

	startInterruptHandler()

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	if cfg.MetricsListen != "" {
		stopMetrics := startMetricsServer(cfg.MetricsListen)
		addInterruptHandler(stopMetrics)
	}

	db, err := cachedb.Open(&cachedb.Config{Path: cfg.CacheFile})
	if err != nil {
		log.Errorf("Unable to open cache database: %v", err)
		return err
	}
	addInterruptHandler(func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close cache database: %v", err)
		}
	})

	p, err := electrum.NewProxy(&electrum.ProxyConfig{
		Conn:             *connCfg,
		Cache:            db,
		TrustStore:       db,
		BridgeListenAddr: cfg.BridgeListen,
		HealthInterval:   cfg.HealthInterval,
		Metrics:          metrics.NewProxy(connCfg.Addr()),
	})
	if err != nil {
		log.Errorf("Unable to create proxy: %v", err)
		simulateInterrupt()
		<-interruptHandlersDone
		return err
	}

	decider := &trustDecider{
		approved:    cfg.ApproveCert.Fingerprint,
		interactive: prompt.IsInteractive(os.Stdin),
		reader:      bufio.NewReader(os.Stdin),
		out:         os.Stdout,
	}
	if err := decider.establishTrust(interruptCtx, p); err != nil {
		log.Errorf("Unable to establish trust in %s: %v",
			connCfg.Addr(), err)
		p.Stop()
		simulateInterrupt()
		<-interruptHandlersDone
		return err
	}

	port, err := p.Start()
	if err != nil {
		log.Errorf("Unable to start proxy: %v", err)
		p.Stop()
		simulateInterrupt()
		<-interruptHandlersDone
		return err
	}
	fmt.Printf("Bridge listening on port %d\n", port)

	statusChanges, cancelStatus := p.StatusChanges()
	go logStatusChanges(statusChanges)
	go logRelayFee(interruptCtx, p.Direct())

	var w *watcher
	if len(cfg.WatchAddrs) > 0 {
		w, err = newWatcher(p, cfg.WatchAddrs, activeNet.Params)
		if err != nil {
			log.Errorf("Unable to watch addresses: %v", err)
			cancelStatus()
			p.Stop()
			simulateInterrupt()
			<-interruptHandlersDone
			return err
		}
		w.Start()
	}

	// Handlers run last in first out, so the watcher is stopped before the
	// proxy, and the proxy before the cache it writes to.
	addInterruptHandler(func() {
		if w != nil {
			w.Stop()
		}
		cancelStatus()
		p.Stop()
	})

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}

// startMetricsServer serves the Prometheus collectors on addr and returns a
// function that shuts the server down.
func startMetricsServer(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("Metrics server listening on %s", addr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("Unable to stop metrics server: %v", err)
		}
	}
}

func logStatusChanges(statusChanges <-chan electrum.Status) {
	for status := range statusChanges {
		switch status {
		case electrum.StatusDisconnected:
			log.Warnf("Electrum server %v", status)
		case electrum.StatusCertificateRequired:
			log.Errorf("Electrum server certificate changed -- " +
				"restart to review it")
		default:
			log.Infof("Electrum server %v", status)
		}
	}
}

// certificateChecker is the part of the proxy used to settle the server
// certificate before the bridge opens.
type certificateChecker interface {
	CheckCertificate(ctx context.Context) error
	Approve(info electrum.CertificateInfo) (electrum.TrustState, error)
	Reject(info electrum.CertificateInfo) (electrum.TrustState, error)
}

// trustDecider resolves trust signals raised while checking the server,
// either from a fingerprint given on the command line or by asking the user.
type trustDecider struct {
	approved    string
	interactive bool
	reader      *bufio.Reader
	out         io.Writer
}

// establishTrust checks the server until its certificate is trusted.  A
// check failing for any other reason is only logged: the server may simply
// be down, and the health monitor reports when it comes back.
func (d *trustDecider) establishTrust(ctx context.Context,
	p certificateChecker) error {

	for i := 0; i < maxTrustRounds; i++ {
		err := p.CheckCertificate(ctx)
		if err == nil {
			return nil
		}
		if !electrum.IsTrustError(err) {
			log.Warnf("Electrum server unreachable: %v", err)
			return nil
		}

		info, ok, err := d.decide(err)
		if err != nil {
			return err
		}
		if !ok {
			_, err := p.Reject(info)
			return err
		}
		if _, err := p.Approve(info); err != nil {
			return err
		}
	}
	return fmt.Errorf("certificate still untrusted after %d attempts",
		maxTrustRounds)
}

// decide returns the certificate a trust signal is about and whether it is
// approved.
func (d *trustDecider) decide(trustErr error) (electrum.CertificateInfo,
	bool, error) {

	firstUse, mismatch := electrum.TrustSignal(trustErr)
	var info electrum.CertificateInfo
	switch {
	case firstUse != nil:
		info = firstUse.Cert
	case mismatch != nil:
		info = mismatch.Cert
	default:
		return info, false, trustErr
	}

	if d.approved != "" && d.approved == info.Fingerprint {
		log.Infof("Certificate %s approved on the command line",
			electrum.FormatFingerprint(info.Fingerprint))
		return info, true, nil
	}

	if d.interactive {
		return prompt.ApproveCertificate(d.reader, d.out, trustErr)
	}

	return info, false, fmt.Errorf("%w -- to trust it, restart with "+
		"--approvecert=%s", trustErr,
		electrum.FormatFingerprint(info.Fingerprint))
}
