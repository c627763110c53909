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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/livesub/cmd"
	"github.com/alwitt/livesub/common"
	"github.com/alwitt/livesub/core"
	"github.com/alwitt/livesub/dataplane"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

// publishArgs arguments of the publish subcommand
type publishArgs struct {
	EventType string `validate:"required,excludesall=.*> "`
	Tenant    string
	Payload   string `validate:"required,json"`
}

var cmdArgs cliArgs

var pubArgs publishArgs

var logTags log.Fields

// @title livesub
// @version v0.1.0
// @description Real-time subscription broker speaking graphql-ws over WebSocket

// @host localhost:3000
// @BasePath /
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Real-time subscription broker speaking graphql-ws over WebSocket",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "broker",
				Usage:       "Run the livesub broker server",
				Description: "Serves the subscription WebSocket endpoint and the event publish API",
				Action:      startBrokerServer,
			},
			{
				Name:        "publish",
				Usage:       "Publish one event through NATS",
				Description: "Publish an event onto the NATS subject the brokers read events from",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "event-type",
						Usage:       "Event type, the subscription field name",
						Aliases:     []string{"e"},
						Destination: &pubArgs.EventType,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "tenant",
						Usage:       "Tenant of the event. Omit for a public event.",
						Aliases:     []string{"t"},
						Destination: &pubArgs.Tenant,
						Required:    false,
					},
					&cli.StringFlag{
						Name:        "payload",
						Usage:       "JSON event payload",
						Aliases:     []string{"p"},
						Destination: &pubArgs.Payload,
						Required:    true,
					},
				},
				Action: publishEvent,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNatsClient define the NATS client
func prepareNatsClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (core.NatsClient, error) {
	natsParam := core.NATSConnectParamsFromConfig(config)
	natsParam.OnDisconnectCallback = func(_ *nats.Conn, e error) {
		log.WithError(e).WithFields(logTags).Errorf(
			"NATS client disconnected from server %s", config.ServerURI,
		)
	}
	natsParam.OnReconnectCallback = func(_ *nats.Conn) {
		log.WithFields(logTags).Warnf(
			"NATS client reconnected with server %s", config.ServerURI,
		)
	}
	natsParam.OnCloseCallback = func(_ *nats.Conn) {
		log.WithFields(logTags).Error("NATS client closed connection")
		ctxtCancel()
	}
	return core.GetNatsClient(natsParam)
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// ============================================================================
// Broker subcommand

// startBrokerServer run the broker server
func startBrokerServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	var natsClient *core.NatsClient
	if config.NATS.Enabled {
		client, err := prepareNatsClient(config.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		natsClient = &client
		defer func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctxt)
		}()
	}

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunBrokerServer(runTimeContext, config, cmdArgs.Hostname, natsClient, wg)
}

// ============================================================================
// Publish subcommand

// publishEvent publish one event through NATS
func publishEvent(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	validate := validator.New()
	if err := validate.Struct(&pubArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid publish args")
		return err
	}

	_, runTimeContext, rtCancel := defineControlVars()
	defer rtCancel()

	natsClient, err := prepareNatsClient(config.NATS, rtCancel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer natsClient.Close(runTimeContext)

	publisher, err := dataplane.GetNatsEventPublisher(
		natsClient.NATs(), config.NATS.EventSubjectPrefix,
	)
	if err != nil {
		return err
	}
	event := common.PublishedEvent{
		EventType:   pubArgs.EventType,
		TenantID:    pubArgs.Tenant,
		Payload:     json.RawMessage(pubArgs.Payload),
		PublishedAt: time.Now().UTC(),
	}
	ctxt, cancel := context.WithTimeout(runTimeContext, time.Second*10)
	defer cancel()
	if err := publisher.Publish(ctxt, event); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to publish %s", event)
		return err
	}
	fmt.Printf("Published %s\n", event)
	return nil
}
