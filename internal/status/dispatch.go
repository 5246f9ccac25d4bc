package status

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/device"
	"github.com/brocaar/chirpstack-device-manager/internal/devicetype"
	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

// DispatchCommand issues the given human-level command. When the derived
// status already equals the resulting state of the command, nothing is
// written and the current status is returned. Otherwise the command segments
// are written to the command buffer and the Waiting state is returned.
// For multi-relay devices relay selects the relay (command channel).
func (e *Engine) DispatchCommand(ctx context.Context, key storage.Key, command string, relay int) (Result, error) {
	ds, err := e.load(ctx, key)
	if err != nil {
		dispatchCounter(resultFromError(err)).Inc()
		return Result{}, err
	}

	cmd, ok := ds.deviceType.Command(command)
	if !ok {
		err := &CommandNotRecognizedError{Command: command, DeviceType: ds.deviceType.Name}
		dispatchCounter(resultFromError(err)).Inc()
		return Result{}, err
	}

	channel := 0
	if ds.deviceType.Family == devicetype.FamilyMultiRelay {
		count, err := relayCount(ds.deviceType, ds.telemetry)
		if err != nil {
			dispatchCounter(resultFromError(err)).Inc()
			return Result{}, err
		}
		if relay < 1 || relay > count {
			err := &device.ValidationError{Message: fmt.Sprintf("relay must be in range [1,%d]", count)}
			dispatchCounter(resultFromError(err)).Inc()
			return Result{}, err
		}
		channel = relay
	}

	res, err := ds.policy.Status(e.input(ds, channel))
	if err != nil {
		dispatchCounter(resultFromError(err)).Inc()
		return Result{}, err
	}

	if res.State == State(cmd.State) {
		dispatchCounter("no_op").Inc()
		log.WithFields(log.Fields{
			"application_id": key.ApplicationID,
			"dev_eui":        key.DevEUI,
			"command":        command,
			"channel":        channel,
			"state":          res.State,
			"ctx_id":         ctx.Value(logging.ContextIDKey),
		}).Info("status: device already in requested state")
		return res, nil
	}

	now := e.now()
	buf := ds.session.CommandBuffers.Get(channel)
	if len(cmd.Segments) > 0 {
		buf.Current = cmd.Segments[0]
	}
	if len(cmd.Segments) > 1 {
		buf.Previous = cmd.Segments[1]
	}
	buf.Delivered = false
	buf.PendingCount++
	buf.LastCommandAt = &now

	if err := e.application.UpdateCommandBuffer(ctx, key, channel, buf); err != nil {
		dispatchCounter("error").Inc()
		return Result{}, &device.StorageError{Op: "update command-buffer", Err: err}
	}

	dispatchCounter("ok").Inc()
	log.WithFields(log.Fields{
		"application_id": key.ApplicationID,
		"dev_eui":        key.DevEUI,
		"command":        command,
		"channel":        channel,
		"pending_count":  buf.PendingCount,
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("status: command enqueued")

	res.State = Waiting
	for i := range res.Relays {
		if res.Relays[i].Relay == channel {
			res.Relays[i].State = Waiting
		}
	}

	return res, nil
}

// AcknowledgeCommand marks the command buffer of the given channel as
// delivered.
func (e *Engine) AcknowledgeCommand(ctx context.Context, key storage.Key, channel int) error {
	as, err := e.application.GetApplicationSession(ctx, key)
	if err != nil {
		if isDoesNotExist(err) {
			return device.ErrNotFound
		}
		return &device.StorageError{Op: "get application-session", Err: err}
	}

	buf := as.CommandBuffers.Get(channel)
	if buf.Current == "" {
		return &device.ValidationError{Message: fmt.Sprintf("no command enqueued on channel %d", channel)}
	}

	now := e.now()
	buf.Delivered = true
	buf.LastProcessedAt = &now
	if buf.PendingCount > 0 {
		buf.PendingCount--
	}

	if err := e.application.UpdateCommandBuffer(ctx, key, channel, buf); err != nil {
		return &device.StorageError{Op: "update command-buffer", Err: err}
	}

	ackCounter().Inc()
	log.WithFields(log.Fields{
		"application_id": key.ApplicationID,
		"dev_eui":        key.DevEUI,
		"channel":        channel,
		"pending_count":  buf.PendingCount,
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("status: command delivery acknowledged")

	return nil
}
