// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/asch/pfbd/internal/bdev"
	"github.com/asch/pfbd/internal/pfbd"
)

var (
	createConfigFile string
	createBlockSize  uint32
	createUUID       string
	createAlias      string
)

var createCmd = &cobra.Command{
	Use:   "create <bd_name>",
	Short: "Create a device on top of a remote volume",
	Long: `Create a device on top of the remote volume bd_name. The volume is opened
with the given volume configuration file.

Examples:
  # Create a device with 4K blocks
  pfbdctl create vol0 -c /etc/pfbd/vol0.toml -b 4096

  # Let the daemon pick the device name
  pfbdctl create vol0 -c /etc/pfbd/vol0.toml -b 4096 --alias auto`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createConfigFile, "config-file", "c", "", "Volume configuration file")
	createCmd.Flags().Uint32VarP(&createBlockSize, "block-size", "b", 4096, "Block size in bytes")
	createCmd.Flags().StringVarP(&createUUID, "uuid", "u", "", "Device UUID, generated when empty")
	createCmd.Flags().StringVar(&createAlias, "alias", "", "Device name if it differs from bd_name, \""+pfbd.AutoAlias+"\" generates one")
}

func runCreate(cmd *cobra.Command, args []string) error {
	params := pfbd.Params{
		BdName:     args[0],
		BlockSize:  createBlockSize,
		ConfigFile: createConfigFile,
		UUID:       createUUID,
		Alias:      createAlias,
	}

	var name string
	if err := call(cmd, "bdev_pfbd_create", params, &name); err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	return printResult(cmd, name, "Device "+name+" created")
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a device",
	Long: `Delete a device. The call returns once the device is destroyed, which
includes waiting for all of its I/O channels to be released.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	var ok bool
	if err := call(cmd, "bdev_pfbd_delete", map[string]string{"name": args[0]}, &ok); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	return printResult(cmd, ok, "Device "+args[0]+" deleted")
}

var resizeCmd = &cobra.Command{
	Use:   "resize <name> <new_size_mb>",
	Short: "Resize a device",
	Args:  cobra.ExactArgs(2),
	RunE:  runResize,
}

func runResize(cmd *cobra.Command, args []string) error {
	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", args[1], err)
	}

	params := map[string]interface{}{"name": args[0], "new_size": size}

	var ok bool
	if err := call(cmd, "bdev_pfbd_resize", params, &ok); err != nil {
		return fmt.Errorf("failed to resize device: %w", err)
	}

	return printResult(cmd, ok, "Device "+args[0]+" resized")
}

var listCmd = &cobra.Command{
	Use:   "list [name]",
	Short: "List devices",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	params := map[string]string{}
	if len(args) == 1 {
		params["name"] = args[0]
	}

	var infos []bdev.Info
	if err := call(cmd, "bdev_get_bdevs", params, &infos); err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	if output == "json" {
		return printJSON(cmd.OutOrStdout(), infos)
	}

	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No devices found.")
		return nil
	}

	return printTable(cmd.OutOrStdout(), bdevList(infos))
}

// bdevList renders devices as a table.
type bdevList []bdev.Info

func (l bdevList) Headers() []string {
	return []string{"NAME", "BLOCK SIZE", "BLOCKS", "UUID", "MODULE"}
}

func (l bdevList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, i := range l {
		rows = append(rows, []string{
			i.Name,
			strconv.FormatUint(uint64(i.BlockSize), 10),
			strconv.FormatUint(i.NumBlocks, 10),
			i.UUID,
			i.Module,
		})
	}
	return rows
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the calls recreating the current devices",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	var config interface{}
	if err := call(cmd, "framework_get_config", nil, &config); err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	return printJSON(cmd.OutOrStdout(), config)
}
