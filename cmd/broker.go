// Copyright 2022 The livesub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd assembles and runs the broker server from its configuration.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/livesub/apis"
	"github.com/alwitt/livesub/auth"
	"github.com/alwitt/livesub/broker"
	"github.com/alwitt/livesub/common"
	"github.com/alwitt/livesub/core"
	"github.com/alwitt/livesub/dataplane"
	"github.com/alwitt/livesub/metrics"
	"github.com/alwitt/livesub/protocol"
	"github.com/alwitt/livesub/ratelimit"
	"github.com/alwitt/livesub/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineCounterStore select the rate limit counter store
func defineCounterStore(
	ctxt context.Context, config *common.SystemConfig,
) (ratelimit.CounterStore, error) {
	switch config.RateLimit.Store {
	case "redis":
		client, err := core.GetRedisClient(ctxt, config.Redis)
		if err != nil {
			return nil, err
		}
		return ratelimit.GetRedisCounterStore(client)
	default:
		return ratelimit.GetMemoryCounterStore(nil), nil
	}
}

// defineAuthenticator select the credential verifier
func defineAuthenticator(config common.AuthConfig) (auth.Authenticator, error) {
	if config.JWT.Enabled {
		return auth.GetJWTAuthenticator(config.JWT)
	}
	return auth.GetStaticTokenAuthenticator(config.StaticTokens), nil
}

// defineMetricsSink select where metrics and audit records go
func defineMetricsSink(config common.MetricsConfig, natsClient *core.NatsClient) (metrics.Sink, error) {
	switch config.Sink {
	case "nats":
		if natsClient == nil {
			return nil, fmt.Errorf("metrics sink 'nats' requires NATS to be enabled")
		}
		return metrics.GetNatsSink(natsClient.NATs(), config.Subject)
	case "none":
		return metrics.GetNoneSink(), nil
	default:
		return metrics.GetLogSink(), nil
	}
}

// RunBrokerServer run the subscription broker server until the runtime context ends
func RunBrokerServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Collaborators

	counters, err := defineCounterStore(localCtxt, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define rate limit counter store")
		return err
	}
	limiter, err := ratelimit.GetLimiter(
		counters, config.RateLimit.KeyPrefix, config.Broker.CallTimeoutDuration(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define rate limiter")
		return err
	}

	authenticator, err := defineAuthenticator(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define authenticator")
		return err
	}
	authorizer := auth.GetRuleAuthorizer(config.Auth.Rules)

	sink, err := defineMetricsSink(config.Metrics, natsClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics sink")
		return err
	}
	emitter, err := metrics.GetEmitter(sink, config.Metrics.BufferLength, config.Metrics.Workers)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics emitter")
		return err
	}
	if err := emitter.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start metrics emitter")
		return err
	}
	defer func() {
		_ = emitter.Stop()
	}()

	// -------------------------------------------------------------------
	// Broker

	index := subscription.GetIndex(instance)
	registry, err := subscription.GetConnectionRegistry(
		instance, index, config.Broker.RegistryShards, nil,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}
	subBroker, err := broker.GetBroker(broker.Params{
		Index:         index,
		Registry:      registry,
		Authenticator: authenticator,
		Authorizer:    authorizer,
		Limiter:       limiter,
		Emitter:       emitter,
		Codec:         protocol.NewCodec(),
		Limits: broker.RateLimits{
			Authenticated: int64(config.RateLimit.AuthenticatedLimit),
			Anonymous:     int64(config.RateLimit.AnonymousLimit),
			Window:        time.Second * time.Duration(config.RateLimit.Window),
		},
		CallTimeout: config.Broker.CallTimeoutDuration(),
		IdleTimeout: config.Broker.IdleTimeoutDuration(),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker")
		return err
	}
	if err := subBroker.StartIdleSweeper(
		localCtxt, wg, time.Second*time.Duration(config.Broker.SweepInterval),
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start idle sweeper")
		return err
	}

	readiness := []apis.ReadinessCheck{}
	if natsClient != nil {
		eventSource, err := dataplane.GetNatsEventSource(
			localCtxt,
			natsClient.NATs(),
			config.NATS.EventSubjectPrefix,
			subBroker,
			config.Broker.CallTimeoutDuration(),
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS event source")
			return err
		}
		if err := eventSource.StartReading(func(err error) {
			log.WithError(err).WithFields(logTags).Error("NATS event source failed")
			lclCancel()
		}, wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS event source")
			return err
		}
		readiness = append(readiness, func() error {
			if !natsClient.Connected() {
				return fmt.Errorf("NATS not connected")
			}
			return nil
		})
	}

	// -------------------------------------------------------------------
	// HTTP handlers

	restHandler, err := apis.GetAPIRestBrokerHandler(&config.HTTP, subBroker, readiness...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define REST handler")
		return err
	}
	wsHandler, err := apis.GetWebSocketHandler(config.WebSocket, subBroker, localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define WebSocket handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.HTTP.Endpoints.PathPrefix, nil)

	// Subscription
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/subscriptions", apis.MethodHandlers{
		"get": wsHandler.SubscribeHandler(),
	})

	// Event publish
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/events/{eventType}", apis.MethodHandlers{
		"post": restHandler.PublishEventHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", apis.MethodHandlers{
		"get": restHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", apis.MethodHandlers{
		"get": restHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(restHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Hijacked WebSocket connections are not covered by the HTTP shutdown
	closed := subBroker.Shutdown("server shutting down")
	log.WithFields(logTags).Infof("Closed %d connections on shutdown", closed)

	return nil
}
