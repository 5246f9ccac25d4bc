package cmd

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-device-manager/internal/devicetype"
	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

var deviceTypeName string

var deviceTypeCmd = &cobra.Command{
	Use:   "device-type",
	Short: "Manage device-types",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		for _, t := range []func() error{setLogLevel, setupStorage, setupDeviceTypes} {
			if err := t(); err != nil {
				return err
			}
		}
		return nil
	},
}

var deviceTypeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the device-types",
	RunE: func(cmd *cobra.Command, args []string) error {
		dts, err := storage.GetDeviceTypes(context.Background(), storage.DB())
		if err != nil {
			return errors.Wrap(err, "get device-types error")
		}

		out := make([]devicetype.DeviceType, 0, len(dts))
		for _, dt := range dts {
			out = append(out, devicetype.FromStorage(dt))
		}
		return printJSON(out)
	},
}

var deviceTypeImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Create or update device-types (JSON file)",
	Long: `Create or update the device-types defined in the given JSON file.
Running instances pick up updated device-types after a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var dts []devicetype.DeviceType
		if err := readJSONFile(inputFile, &dts); err != nil {
			return err
		}

		ctx, err := logging.NewContext(context.Background())
		if err != nil {
			return err
		}

		for _, dt := range dts {
			if err := devicetype.Save(ctx, storage.DB(), dt); err != nil {
				return errors.Wrapf(err, "device-type %s", dt.Name)
			}
			deviceTypes.Invalidate(dt.Name)
		}

		log.WithField("count", len(dts)).Info("device-types imported")
		return nil
	},
}

var deviceTypeDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a device-type",
	RunE: func(cmd *cobra.Command, args []string) error {
		if deviceTypeName == "" {
			return errors.New("name must be set")
		}

		ctx, err := logging.NewContext(context.Background())
		if err != nil {
			return err
		}

		if err := storage.DeleteDeviceType(ctx, storage.DB(), deviceTypeName); err != nil {
			return errors.Wrap(err, "delete device-type error")
		}
		return nil
	},
}

func init() {
	deviceTypeImportCmd.Flags().StringVarP(&inputFile, "file", "f", "", "path to the JSON device-type file")
	deviceTypeDeleteCmd.Flags().StringVar(&deviceTypeName, "name", "", "device-type name")

	deviceTypeCmd.AddCommand(
		deviceTypeListCmd,
		deviceTypeImportCmd,
		deviceTypeDeleteCmd,
	)
}
