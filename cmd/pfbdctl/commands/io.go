// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var ioFile string

var readCmd = &cobra.Command{
	Use:   "read <name> <offset_blocks> <num_blocks>",
	Short: "Read blocks of a device",
	Long: `Read blocks of a device and write them raw to stdout or to a file.

Examples:
  # Read the first 8 blocks into a file
  pfbdctl read vol0 0 8 -f head.bin`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write <name> <offset_blocks>",
	Short: "Write blocks of a device",
	Long: `Write data from stdin or a file to a device. The data length must be a
multiple of the device block size.

Examples:
  pfbdctl write vol0 16 -f blocks.bin`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

func init() {
	readCmd.Flags().StringVarP(&ioFile, "file", "f", "", "Output file, stdout when empty")
	writeCmd.Flags().StringVarP(&ioFile, "file", "f", "", "Input file, stdin when empty")
}

func runRead(cmd *cobra.Command, args []string) error {
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[1], err)
	}

	num, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid block count %q: %w", args[2], err)
	}

	params := map[string]interface{}{"name": args[0], "offset_blocks": offset, "num_blocks": num}

	var result struct {
		Data []byte `json:"data"`
	}
	if err := call(cmd, "bdev_read_blocks", params, &result); err != nil {
		return fmt.Errorf("failed to read: %w", err)
	}

	if ioFile == "" {
		_, err = cmd.OutOrStdout().Write(result.Data)
		return err
	}

	return os.WriteFile(ioFile, result.Data, 0o644)
}

func runWrite(cmd *cobra.Command, args []string) error {
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[1], err)
	}

	var data []byte
	if ioFile == "" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(ioFile)
	}
	if err != nil {
		return err
	}

	params := map[string]interface{}{"name": args[0], "offset_blocks": offset, "data": data}

	var ok bool
	if err := call(cmd, "bdev_write_blocks", params, &ok); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}

	return printResult(cmd, ok, fmt.Sprintf("%d bytes written", len(data)))
}
