package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"skyfleet/internal/models"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage fleet devices",
}

var deviceAddCmd = &cobra.Command{
	Use:   "add [device-id]",
	Short: "Register a new device",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceAdd,
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	RunE:  runDeviceList,
}

var deviceShowCmd = &cobra.Command{
	Use:   "show [device-id]",
	Short: "Show device details",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceShow,
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove [device-id]",
	Short: "Remove a device and its logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceRemove,
}

var deviceLogsCmd = &cobra.Command{
	Use:   "logs [device-id]",
	Short: "Show recent device logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceLogs,
}

var deviceCommandCmd = &cobra.Command{
	Use:   "command [device-id] [command]",
	Short: "Send a command to a connected device",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeviceCommand,
}

var (
	deviceName   string
	deviceType   string
	logsLimit    int
	commandParam []string
)

func init() {
	deviceCmd.AddCommand(deviceAddCmd, deviceListCmd, deviceShowCmd, deviceRemoveCmd, deviceLogsCmd, deviceCommandCmd)

	deviceAddCmd.Flags().StringVar(&deviceName, "name", "", "Human-readable device name")
	deviceAddCmd.Flags().StringVar(&deviceType, "type", "quadcopter", "Device type")

	deviceLogsCmd.Flags().IntVar(&logsLimit, "limit", 20, "Number of log entries")

	deviceCommandCmd.Flags().StringArrayVar(&commandParam, "param", nil, "Command parameter as key=value (repeatable)")
}

func runDeviceAdd(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"device_id": args[0],
		"name":      deviceName,
		"type":      deviceType,
	}

	resp, err := apiPost("/api/devices", body)
	if err != nil {
		return err
	}

	var device models.Device
	if err := json.Unmarshal(resp, &device); err != nil {
		return err
	}
	fmt.Printf("Registered device: %s\n", device.DeviceID)
	return nil
}

func runDeviceList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/devices")
	if err != nil {
		return err
	}

	var devices []models.Device
	if err := json.Unmarshal(resp, &devices); err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tNAME\tTYPE\tSTATUS\tBATTERY\tSIGNAL\tLAST ONLINE")
	for _, d := range devices {
		lastOnline := "-"
		if d.LastOnline != nil {
			lastOnline = d.LastOnline.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%d%%\t%s\n",
			d.DeviceID, d.Name, d.Type, d.Status, d.Battery, d.Signal, lastOnline)
	}
	return w.Flush()
}

func runDeviceShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/devices/" + args[0])
	if err != nil {
		return err
	}

	var device models.Device
	if err := json.Unmarshal(resp, &device); err != nil {
		return err
	}

	fmt.Printf("Device:      %s\n", device.DeviceID)
	fmt.Printf("Name:        %s\n", device.Name)
	fmt.Printf("Type:        %s\n", device.Type)
	fmt.Printf("Status:      %s\n", device.Status)
	fmt.Printf("Battery:     %d%%\n", device.Battery)
	fmt.Printf("Signal:      %d%%\n", device.Signal)
	if device.LastOnline != nil {
		fmt.Printf("Last online: %s\n", device.LastOnline.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runDeviceRemove(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/api/devices/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed device: %s\n", args[0])
	return nil
}

func runDeviceLogs(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/api/devices/%s/logs?limit=%d", args[0], logsLimit))
	if err != nil {
		return err
	}

	var logs []models.DeviceLog
	if err := json.Unmarshal(resp, &logs); err != nil {
		return err
	}
	if len(logs) == 0 {
		fmt.Println("No log entries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tMESSAGE")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.CreatedAt.Local().Format("2006-01-02 15:04:05"), l.LogType, l.Message)
	}
	return w.Flush()
}

func runDeviceCommand(cmd *cobra.Command, args []string) error {
	params, err := parseParams(commandParam)
	if err != nil {
		return err
	}

	body := map[string]any{
		"command": args[1],
		"params":  params,
	}
	if _, err := apiPost(fmt.Sprintf("/api/devices/%s/command", args[0]), body); err != nil {
		return err
	}
	fmt.Printf("Sent %s to %s\n", args[1], args[0])
	return nil
}

// parseParams turns repeated key=value flags into a payload map.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid param %q, expected key=value", p)
		}
		params[key] = value
	}
	return params, nil
}
