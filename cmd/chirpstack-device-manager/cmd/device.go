package cmd

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-device-manager/internal/device"
	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/chirpstack-device-manager/internal/session"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/lorawan"
)

var (
	applicationID string
	devEUIs       []string
	relay         int
	channel       int
	command       string
	inputFile     string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		tasks := []func() error{
			setLogLevel,
			setupBand,
			setupStorage,
			setupDeviceTypes,
			setupTelemetry,
			setupStatusEngine,
			setupPublishIntegration,
			setupDeviceService,
		}

		for _, t := range tasks {
			if err := t(); err != nil {
				return err
			}
		}
		return nil
	},
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a batch of devices (JSON file)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var b device.Batch
		if err := readJSONFile(inputFile, &b); err != nil {
			return err
		}

		ctx, err := logging.NewContext(context.Background())
		if err != nil {
			return err
		}

		res, err := deviceService.Register(ctx, b)
		if err != nil {
			return errors.Wrap(err, "register error")
		}
		return printJSON(res)
	},
}

var deviceGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the node-session of a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := singleKey()
		if err != nil {
			return err
		}

		ctx := context.Background()
		ns, err := deviceService.Get(ctx, key)
		if err != nil {
			return errors.Wrap(err, "get device error")
		}

		out := struct {
			session.NodeSession
			GatewaySessionChangedAt *time.Time `json:"gatewaySessionChangedAt,omitempty"`
		}{NodeSession: ns}

		ts, err := storage.GetGatewaySessionChanged(ctx, key)
		if err == nil {
			out.GatewaySessionChangedAt = &ts
		} else if errors.Cause(err) != storage.ErrDoesNotExist {
			return errors.Wrap(err, "get gateway-session changed error")
		}

		return printJSON(out)
	},
}

var deviceUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update a device (JSON patch file)",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := singleKey()
		if err != nil {
			return err
		}

		var p device.Patch
		if err := readJSONFile(inputFile, &p); err != nil {
			return err
		}

		ctx, err := logging.NewContext(context.Background())
		if err != nil {
			return err
		}

		ns, err := deviceService.Update(ctx, key, p)
		if err != nil {
			return errors.Wrap(err, "update device error")
		}
		return printJSON(ns)
	},
}

var deviceDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a device from both stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := singleKey()
		if err != nil {
			return err
		}

		ctx, err := logging.NewContext(context.Background())
		if err != nil {
			return err
		}

		res, err := deviceService.Delete(ctx, key)
		if err != nil {
			return errors.Wrap(err, "delete device error")
		}
		return printJSON(res)
	},
}

var deviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the derived status of a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := singleKey()
		if err != nil {
			return err
		}

		ctx, err := logging.NewContext(context.Background())
		if err != nil {
			return err
		}

		res, err := statusEngine.GetStatus(ctx, key, relay)
		if err != nil {
			return errors.Wrap(err, "get status error")
		}
		return printJSON(res)
	},
}

var deviceCommandCmd = &cobra.Command{
	Use:   "command",
	Short: "Enqueue a command for a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := singleKey()
		if err != nil {
			return err
		}

		ctx, err := logging.NewContext(context.Background())
		if err != nil {
			return err
		}

		res, err := statusEngine.DispatchCommand(ctx, key, command, relay)
		if err != nil {
			return errors.Wrap(err, "dispatch command error")
		}
		return printJSON(res)
	},
}

var deviceAckCmd = &cobra.Command{
	Use:   "ack",
	Short: "Mark the command of a device channel as delivered",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := singleKey()
		if err != nil {
			return err
		}

		ctx, err := logging.NewContext(context.Background())
		if err != nil {
			return err
		}

		if err := statusEngine.AcknowledgeCommand(ctx, key, channel); err != nil {
			return errors.Wrap(err, "acknowledge command error")
		}
		return nil
	},
}

var deviceCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report in which stores the given devices exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := parseKeys()
		if err != nil {
			return err
		}

		res, err := deviceService.CheckConsistency(context.Background(), keys)
		if err != nil {
			return errors.Wrap(err, "check consistency error")
		}

		out := make(map[string]device.Consistency, len(res))
		for k, c := range res {
			out[k.DevEUI.String()] = c
			if c.IsOrphaned() {
				log.WithFields(log.Fields{
					"application_id": k.ApplicationID,
					"dev_eui":        k.DevEUI,
					"consistency":    c,
				}).Warning("orphaned device record")
			}
		}
		return printJSON(out)
	},
}

func init() {
	deviceCmd.PersistentFlags().StringVar(&applicationID, "application-id", "", "application ID")
	deviceCmd.PersistentFlags().StringSliceVar(&devEUIs, "dev-eui", nil, "device EUI (HEX encoded)")

	deviceRegisterCmd.Flags().StringVarP(&inputFile, "file", "f", "", "path to the JSON batch file")
	deviceUpdateCmd.Flags().StringVarP(&inputFile, "file", "f", "", "path to the JSON patch file")

	deviceStatusCmd.Flags().IntVar(&relay, "relay", 0, "relay number (multi-relay devices, 0 = all)")
	deviceCommandCmd.Flags().IntVar(&relay, "relay", 0, "relay number (multi-relay devices, 0 = all)")
	deviceCommandCmd.Flags().StringVar(&command, "command", "", "command name (e.g. on or off)")
	deviceAckCmd.Flags().IntVar(&channel, "channel", 0, "command channel")

	for _, c := range []*cobra.Command{
		deviceRegisterCmd,
		deviceGetCmd,
		deviceUpdateCmd,
		deviceDeleteCmd,
		deviceStatusCmd,
		deviceCommandCmd,
		deviceAckCmd,
		deviceCheckCmd,
	} {
		c.RunE = withShutdown(c.RunE)
		deviceCmd.AddCommand(c)
	}
}

// withShutdown wraps fn so that the pending notifications and compensating
// actions have completed when the command returns, also when fn fails.
// Cobra does not run the post-run hooks of a failed command.
func withShutdown(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if serr := shutdown(); serr != nil {
			if err == nil {
				return serr
			}
			log.WithError(serr).Error("shutdown error")
		}
		return err
	}
}

func parseKeys() ([]storage.Key, error) {
	if applicationID == "" {
		return nil, errors.New("application-id must be set")
	}
	if len(devEUIs) == 0 {
		return nil, errors.New("dev-eui must be set")
	}

	out := make([]storage.Key, 0, len(devEUIs))
	for _, s := range devEUIs {
		var devEUI lorawan.EUI64
		if err := devEUI.UnmarshalText([]byte(s)); err != nil {
			return nil, errors.Wrap(err, "decode dev-eui error")
		}
		out = append(out, storage.Key{ApplicationID: applicationID, DevEUI: devEUI})
	}
	return out, nil
}

func singleKey() (storage.Key, error) {
	keys, err := parseKeys()
	if err != nil {
		return storage.Key{}, err
	}
	if len(keys) != 1 {
		return storage.Key{}, errors.New("exactly one dev-eui must be set")
	}
	return keys[0], nil
}

func readJSONFile(path string, v interface{}) error {
	if path == "" {
		return errors.New("file must be set")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read file error")
	}

	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrap(err, "unmarshal json error")
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode json error")
	}
	return nil
}
