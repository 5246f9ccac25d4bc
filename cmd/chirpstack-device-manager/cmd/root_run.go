package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-device-manager/internal/backend/integration"
	"github.com/brocaar/chirpstack-device-manager/internal/backend/integration/amqp"
	"github.com/brocaar/chirpstack-device-manager/internal/backend/integration/mqtt"
	"github.com/brocaar/chirpstack-device-manager/internal/band"
	"github.com/brocaar/chirpstack-device-manager/internal/compensation"
	"github.com/brocaar/chirpstack-device-manager/internal/config"
	"github.com/brocaar/chirpstack-device-manager/internal/device"
	"github.com/brocaar/chirpstack-device-manager/internal/devicetype"
	"github.com/brocaar/chirpstack-device-manager/internal/monitoring"
	"github.com/brocaar/chirpstack-device-manager/internal/status"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/chirpstack-device-manager/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var (
	scheduler     *compensation.Scheduler
	deviceTypes   *devicetype.Cache
	statusEngine  *status.Engine
	deviceService *device.Service
	intBackend    integration.Integration
	monitorServer *http.Server
)

func run(cmd *cobra.Command, args []string) error {
	tasks := []func() error{
		setLogLevel,
		setSyslog,
		printStartMessage,
		setupBand,
		setupStorage,
		setupDeviceTypes,
		setupTelemetry,
		setupStatusEngine,
		setupIntegration,
		setupDeviceService,
		setupMonitoring,
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	exitChan := make(chan struct{})
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.WithField("signal", <-sigChan).Info("signal received")
	go func() {
		log.Warning("stopping chirpstack-device-manager")
		if err := shutdown(); err != nil {
			log.Fatal(err)
		}
		exitChan <- struct{}{}
	}()
	select {
	case <-exitChan:
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received, stopping immediately")
	}

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version": version,
		"net_id":  config.C.DeviceManager.NetID.String(),
		"band":    config.C.DeviceManager.Band.Name,
	}).Info("starting ChirpStack Device Manager")
	return nil
}

func setupBand() error {
	if err := band.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup band error")
	}
	return nil
}

func setupStorage() error {
	if err := storage.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup storage error")
	}
	return nil
}

func setupDeviceTypes() error {
	if err := devicetype.SyncBuiltins(context.Background(), storage.DB()); err != nil {
		return errors.Wrap(err, "sync built-in device-types error")
	}

	deviceTypes = devicetype.NewCache(devicetype.StorageLoader{DB: storage.DB()})
	return nil
}

func setupTelemetry() error {
	if err := telemetry.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup telemetry error")
	}
	return nil
}

func setupStatusEngine() error {
	statusEngine = status.NewEngine(
		storage.GatewaySessionStore{},
		storage.NewApplicationSessionStore(),
		telemetry.GetReader(),
		deviceTypes,
		status.DefaultRegistry(),
		status.ConfigFromConfig(config.C),
	)
	return nil
}

func setupIntegration() error {
	return newIntegration(statusEngine)
}

// setupPublishIntegration sets up the integration without consuming the
// command acknowledgements.
func setupPublishIntegration() error {
	return newIntegration(nil)
}

func newIntegration(h integration.AckHandler) error {
	switch config.C.Integration.Type {
	case "":
		log.Info("integration: no integration configured")
	case "mqtt":
		b, err := mqtt.NewBackend(config.C, h)
		if err != nil {
			return errors.Wrap(err, "setup mqtt integration error")
		}
		intBackend = b
	case "amqp":
		b, err := amqp.NewBackend(config.C, h)
		if err != nil {
			return errors.Wrap(err, "setup amqp integration error")
		}
		intBackend = b
	default:
		return errors.Errorf("unknown integration type: %s", config.C.Integration.Type)
	}

	return nil
}

func setupDeviceService() error {
	scheduler = compensation.NewScheduler(
		config.C.DeviceManager.Compensation.Delay,
		config.C.DeviceManager.Compensation.Timeout,
	)

	deviceService = device.NewService(
		storage.GatewaySessionStore{},
		storage.NewApplicationSessionStore(),
		deviceTypes,
		scheduler,
		integration.NewNotifier(storage.SetGatewaySessionChanged, intBackend),
		device.ConfigFromConfig(config.C),
	)
	return nil
}

func setupMonitoring() error {
	var err error
	monitorServer, err = monitoring.Setup(config.C, storage.Ping)
	if err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

// shutdown waits for the pending notifications and compensating actions
// before closing the integration and monitoring server.
func shutdown() error {
	if deviceService != nil {
		log.Info("waiting for pending notifications")
		deviceService.Wait()
	}

	if scheduler != nil {
		log.Info("waiting for pending compensating actions")
		scheduler.Wait()
	}

	if intBackend != nil {
		if err := intBackend.Close(); err != nil {
			return errors.Wrap(err, "close integration error")
		}
	}

	if monitorServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := monitorServer.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown monitoring server error")
		}
	}

	return nil
}
