package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthlink/hearthlink/internal/models"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in and cache the session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getAPIClient()
			if err != nil {
				return err
			}
			defer closeClient(client)

			if err := client.Login(GetContext()); err != nil {
				return err
			}
			st := client.GetClientStatus()
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s, token valid until %s\n",
				client.GetConfig().Email, st.TokenExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
}

func newDevicesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getAPIClient()
			if err != nil {
				return err
			}
			defer closeClient(client)

			devices, err := client.GetDevices(GetContext())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), devices)
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printDevices(w io.Writer, devices []models.Device) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMODEL\tONLINE\tPOWER\tBRIGHTNESS")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d%%\n", d.ID, d.Name, d.Model, d.Online, d.Power, d.Brightness)
	}
	tw.Flush()
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <device-id>",
		Short: "Show one device's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getAPIClient()
			if err != nil {
				return err
			}
			defer closeClient(client)

			st, err := client.GetDeviceStatus(GetContext(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s: online=%t power=%s brightness=%d%%\n",
				st.ID, st.Online, st.Power, st.Brightness)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newPowerCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "power <device-id> on|off",
		Short:     "Switch a device on or off",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parsePower(args[1])
			if err != nil {
				return err
			}
			client, err := getAPIClient()
			if err != nil {
				return err
			}
			defer closeClient(client)

			if err := client.SetPower(GetContext(), args[0], on); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s switched %s\n", args[0], models.PowerFromBool(on))
			return nil
		},
	}
}

// parsePower accepts on/off and the usual boolean spellings.
func parsePower(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("power must be on or off, got %q", s)
}

func newBrightnessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "brightness <device-id> <0-100>",
		Short: "Set a device's brightness",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := strconv.Atoi(strings.TrimSuffix(args[1], "%"))
			if err != nil {
				return fmt.Errorf("brightness must be a number, got %q", args[1])
			}
			client, err := getAPIClient()
			if err != nil {
				return err
			}
			defer closeClient(client)

			if err := client.SetBrightness(GetContext(), args[0], pct); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s brightness set to %d%%\n", args[0], pct)
			return nil
		},
	}
}

func newClientStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client-status",
		Short: "Show limiter, breaker, cache and token state as JSON",
		Long: `Print the health of the local client: write limiter occupancy, circuit
breaker state, cache statistics, token expiry and the persisted device count.
No request is made to the cloud.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getAPIClient()
			if err != nil {
				return err
			}
			defer closeClient(client)
			return writeJSON(cmd.OutOrStdout(), client.GetClientStatus())
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
