// Copyright 2025 NORDUnet A/S
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nsad runs the NSI network service agent: the local network
// backend, the aggregator, the NSI-CS SOAP endpoints, the REST management
// API and the discovery document.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nordunet/opennsa-go/nsad/aggregator"
	"github.com/nordunet/opennsa-go/nsad/backend"
	"github.com/nordunet/opennsa-go/nsad/calendar"
	"github.com/nordunet/opennsa-go/nsad/config"
	"github.com/nordunet/opennsa-go/nsad/discovery"
	"github.com/nordunet/opennsa-go/nsad/mgmtapi"
	"github.com/nordunet/opennsa-go/nsad/registry"
	"github.com/nordunet/opennsa-go/nsad/remote"
	"github.com/nordunet/opennsa-go/nsad/routing"
	"github.com/nordunet/opennsa-go/nsad/scheduler"
	"github.com/nordunet/opennsa-go/nsad/topology"
	"github.com/nordunet/opennsa-go/pkg/log"
	"github.com/nordunet/opennsa-go/pkg/private/clock"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
	"github.com/nordunet/opennsa-go/private/pubsub"
	"github.com/nordunet/opennsa-go/private/storage/conndb"
	"github.com/nordunet/opennsa-go/private/storage/db"
)

const version = "nsad 1.0.0"

// Endpoint paths, relative to the configured base URL.
const (
	providerPath  = "/NSI/services/CS2"
	requesterPath = "/NSI/services/RequesterService2"
	discoveryPath = "/NSI/discovery.xml"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "nsad",
		Short:         "NSI network service agent",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "nsad.toml", "configuration file")
	cmd.AddCommand(&cobra.Command{
		Use:   "sample",
		Short: "Print a sample configuration",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.Sample())
		},
	})
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nsad:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := log.Setup(cfg.Logging); err != nil {
		return err
	}
	defer log.Flush()
	logger := log.Root()
	logger.Info("Starting", "version", version, "nsa_id", cfg.General.NSAID)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nrmFile, err := os.Open(cfg.NRM.File)
	if err != nil {
		return serrors.WrapStr("opening NRM file", err, "path", cfg.NRM.File)
	}
	network, err := topology.ParseNRM(nrmFile, cfg.NRM.Network, cfg.NRM.SwapLabels)
	nrmFile.Close()
	if err != nil {
		return err
	}

	connDB, err := conndb.New(cfg.DB.Connection, &db.SqliteConfig{
		MaxOpenConns: cfg.DB.MaxOpenConns,
	})
	if err != nil {
		return err
	}
	defer connDB.Close()

	manager, err := backend.OpenDriver(cfg.NRM.Driver, map[string]string{
		"swap": strconv.FormatBool(cfg.NRM.SwapLabels),
	}, logger.New("component", "driver"))
	if err != nil {
		return err
	}

	bus := pubsub.New()
	sched := scheduler.New(clock.System(), logger.New("component", "scheduler"))
	defer sched.CancelAll()

	be := backend.New(backend.Config{
		NSAID:          cfg.General.NSAID,
		Network:        network,
		Manager:        manager,
		DB:             connDB,
		Calendar:       calendar.New(),
		Scheduler:      sched,
		Bus:            bus,
		Logger:         logger.New("component", "backend"),
		Metrics:        backend.NewMetrics(prometheus.DefaultRegisterer),
		ReserveTimeout: cfg.Timeouts.Reserve.Duration,
	})
	defer be.Close()

	downstreamClient := &http.Client{Timeout: cfg.Timeouts.Downstream.Duration}
	replyTo := cfg.General.BaseURL + requesterPath
	reg := registry.New()
	reg.RegisterFactory(registry.ServiceTypeCS2,
		remote.Factory(replyTo, remote.WithHTTPClient(downstreamClient)))

	routes := routing.New(routing.Config{
		LocalNetworks: []string{cfg.NRM.Network},
		Blacklist:     cfg.Routing.Blacklist,
		MaxCost:       cfg.Routing.MaxCost,
	})
	peerURNs := make([]string, 0, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		reg.UpdatePeer(peer.NSAID, registry.ServiceTypeCS2, peer.Endpoint, peer.Networks)
		routes.UpdateVector(peer.NSAID, routing.Vector{
			Cost:          peer.Cost,
			LocalNetworks: peer.Networks,
		})
		peerURNs = append(peerURNs, peer.NSAID)
	}

	agg := aggregator.New(aggregator.Config{
		NSAID:    cfg.General.NSAID,
		Network:  network,
		Local:    be,
		Routes:   routes,
		Registry: reg,
		DB:       connDB,
		Bus:      bus,
		Logger:   logger.New("component", "aggregator"),
		Metrics:  aggregator.NewMetrics(prometheus.DefaultRegisterer),
	})
	// The backend reports to the aggregator, the aggregator reports to
	// whichever requester initiated the reservation.
	be.SetRequester(agg)
	callbackRouter := remote.NewCallbackRouter(remote.WithHTTPClient(downstreamClient))
	agg.SetRequester(callbackRouter)

	// Crash recovery before accepting traffic.
	if err := be.BuildSchedule(ctx); err != nil {
		return serrors.WrapStr("rebuilding backend schedule", err)
	}
	if err := agg.BuildState(ctx); err != nil {
		return serrors.WrapStr("rebuilding aggregator state", err)
	}

	disc, err := discovery.New(discovery.Config{
		NSAID:           cfg.General.NSAID,
		Name:            cfg.General.Name,
		SoftwareVersion: version,
		StartTime:       time.Now(),
		Networks:        []string{cfg.NRM.Network},
		ProviderURL:     cfg.General.BaseURL + providerPath,
		Aggregator:      true,
		Peers:           peerURNs,
		Logger:          logger.New("component", "discovery"),
	})
	if err != nil {
		return err
	}

	api := mgmtapi.New(mgmtapi.Config{
		NSAID:          cfg.General.NSAID,
		Provider:       agg,
		Bus:            bus,
		AllowedNames:   cfg.API.AllowedNames,
		MetricsHandler: promhttp.Handler(),
		Logger:         logger.New("component", "mgmtapi"),
		Metrics:        mgmtapi.NewMetrics(prometheus.DefaultRegisterer),
	})

	mux := api.Router()
	mux.Method("POST", providerPath,
		remote.NewProviderServer(agg, callbackRouter, logger.New("component", "provider")))
	mux.Method("POST", requesterPath,
		remote.NewRequesterServer(agg, logger.New("component", "requester")))
	mux.Method("GET", discoveryPath, disc)

	server := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: mux,
	}
	tlsEnabled := cfg.API.CertFile != ""
	if tlsEnabled {
		tlsCfg, err := serverTLSConfig(&cfg.API)
		if err != nil {
			return err
		}
		server.TLSConfig = tlsCfg
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer log.HandlePanic()
		logger.Info("Listening", "addr", cfg.API.Addr, "tls", tlsEnabled)
		var err error
		if tlsEnabled {
			err = server.ListenAndServeTLS(cfg.API.CertFile, cfg.API.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer log.HandlePanic()
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func serverTLSConfig(api *config.API) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if api.ClientCAFile == "" {
		return tlsCfg, nil
	}
	pem, err := os.ReadFile(api.ClientCAFile)
	if err != nil {
		return nil, serrors.WrapStr("reading client CA bundle", err,
			"path", api.ClientCAFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, serrors.New("no certificates in client CA bundle",
			"path", api.ClientCAFile)
	}
	tlsCfg.ClientCAs = pool
	if len(api.AllowedNames) > 0 {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsCfg, nil
}
