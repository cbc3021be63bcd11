/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"
	"io"
	"strings"

	serialtest "github.com/allbin/serial-test"
	"github.com/allbin/serial-test/internal/tui/colors"
	"github.com/charmbracelet/lipgloss"
	"github.com/evertras/bubble-table/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	columnPort    = "port"
	columnType    = "type"
	columnDriver  = "driver"
	columnUSB     = "usb"
	columnSerial  = "serial"
	columnProduct = "product"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List serial ports that can be exercised",
	Long: `List UART backed serial ports on the system.

This command scans for serial devices including:
- USB serial adapters (ttyUSB*)
- USB CDC/ACM devices (ttyACM*)
- Standard serial ports (ttyS*)
- ARM/Raspberry Pi ports (ttyAMA*)
- And other platform-specific serial devices

With --table the kernel driver and, for USB adapters, the vendor and product
ids, serial number and product name are shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serialtest.ListPorts()
		if err != nil {
			return fmt.Errorf("listing ports: %w", err)
		}

		filterType, _ := cmd.Flags().GetString("filter")
		tableFormat, _ := cmd.Flags().GetBool("table")

		infos := collectPortInfo(ports)
		infos = filterPorts(infos, filterType)

		out := cmd.OutOrStdout()
		if len(infos) == 0 {
			if filterType != "" {
				fmt.Fprintf(out, "No serial ports found matching filter: %s\n", filterType)
			} else {
				fmt.Fprintln(out, "No serial ports found")
			}
			return nil
		}

		if tableFormat {
			renderTable(out, infos)
		} else {
			renderSimple(out, infos)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringP("filter", "f", "", "Filter by port type: usb, standard, arm, all")
	listCmd.Flags().BoolP("table", "t", false, "Display output in a styled table format")
}

func collectPortInfo(ports []string) []*serialtest.PortInfo {
	infos := make([]*serialtest.PortInfo, 0, len(ports))
	for _, port := range ports {
		info, err := serialtest.GetPortInfo(port)
		if err != nil {
			log.WithError(err).WithField("port", port).Debug("skipping port")
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

// filterPorts filters the port list based on the specified filter type
func filterPorts(infos []*serialtest.PortInfo, filterType string) []*serialtest.PortInfo {
	filterType = strings.ToLower(filterType)
	if filterType == "" || filterType == "all" {
		return infos
	}

	var filtered []*serialtest.PortInfo
	for _, info := range infos {
		name := strings.ToLower(info.Name)
		switch filterType {
		case "usb":
			if info.IsUSB || strings.HasPrefix(name, "ttyusb") || strings.HasPrefix(name, "ttyacm") {
				filtered = append(filtered, info)
			}
		case "standard":
			if strings.HasPrefix(name, "ttys") {
				filtered = append(filtered, info)
			}
		case "arm":
			if strings.HasPrefix(name, "ttyama") {
				filtered = append(filtered, info)
			}
		}
	}
	return filtered
}

func renderTable(w io.Writer, infos []*serialtest.PortInfo) {
	fmt.Fprintf(w, "Found %d serial port(s):\n\n", len(infos))

	columns := []table.Column{
		table.NewColumn(columnPort, "Port", 16),
		table.NewColumn(columnType, "Type", 20),
		table.NewColumn(columnDriver, "Driver", 14),
		table.NewColumn(columnUSB, "VID:PID", 10),
		table.NewColumn(columnSerial, "Serial", 16),
		table.NewColumn(columnProduct, "Product", 24),
	}

	rows := make([]table.Row, 0, len(infos))
	for _, info := range infos {
		usb := ""
		if info.VendorID != "" {
			usb = info.VendorID + ":" + info.ProductID
		}
		rows = append(rows, table.NewRow(table.RowData{
			columnPort:    info.Path,
			columnType:    info.Description,
			columnDriver:  info.Driver,
			columnUSB:     usb,
			columnSerial:  info.SerialNumber,
			columnProduct: info.Product,
		}))
	}

	t := table.New(columns).
		WithRows(rows).
		BorderRounded().
		WithBaseStyle(lipgloss.NewStyle().
			BorderForeground(colors.Border).
			Foreground(colors.Value).
			Align(lipgloss.Left)).
		HeaderStyle(lipgloss.NewStyle().Bold(true).Foreground(colors.Heading))

	fmt.Fprintln(w, t.View())
}

// renderSimple renders the port list in simple text format
func renderSimple(w io.Writer, infos []*serialtest.PortInfo) {
	for _, info := range infos {
		fmt.Fprintln(w, info.Path)
	}
}
