// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// tableRenderer is implemented by types that can render themselves as a table.
type tableRenderer interface {
	Headers() []string
	Rows() [][]string
}

func printTable(w io.Writer, data tableRenderer) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader(data.Headers())

	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	table.AppendBulk(data.Rows())
	table.Render()

	return nil
}

func printJSON(w io.Writer, data interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(data)
}

// Prints the raw result in JSON output, the message otherwise.
func printResult(cmd *cobra.Command, result interface{}, msg string) error {
	if output == "json" {
		return printJSON(cmd.OutOrStdout(), result)
	}

	_, err := fmt.Fprintln(cmd.OutOrStdout(), msg)

	return err
}
