package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iamslan/fossibot/internal/api"
	"github.com/iamslan/fossibot/internal/cloud"
	"github.com/iamslan/fossibot/internal/controller"
	"github.com/iamslan/fossibot/internal/infrastructure/config"
	"github.com/iamslan/fossibot/internal/infrastructure/logging"
	"github.com/iamslan/fossibot/internal/orchestrator"
	"github.com/iamslan/fossibot/internal/registers"
	"github.com/iamslan/fossibot/internal/state"
)

// configEnv names the environment variable used when --config is not set.
const configEnv = "FOSSIBOT_CONFIG"

// cliWriteSource tags CLI writes in the audit log.
const cliWriteSource = "cli"

// defaultCommandTimeout bounds one-shot commands.
const defaultCommandTimeout = 60 * time.Second

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	timeout    time.Duration
}

// newRootCmd builds the command tree. A fresh tree per call keeps flag
// state out of package globals.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "fossibot",
		Short:         "Sydpower / Fossibot power station controller",
		Long:          "Signs in to the Sydpower cloud, streams power station state over MQTT and sends validated register writes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file (default $"+configEnv+", then built-in defaults)")
	root.PersistentFlags().DurationVarP(&opts.timeout, "timeout", "t", defaultCommandTimeout, "Deadline for one-shot commands")

	root.AddCommand(
		newRunCmd(opts),
		newDevicesCmd(opts),
		newReadCmd(opts),
		newWriteCmd(opts),
		newFieldsCmd(),
		newVersionCmd(),
	)
	return root
}

// ============================================================================
// Shared helpers
// ============================================================================

// resolveConfigPath returns the --config value, then $FOSSIBOT_CONFIG, then
// "" for built-in defaults.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(configEnv)
}

// loadConfig loads the configuration and builds the configured logger.
func loadConfig(opts *rootOptions, needAccount bool) (*config.Config, *logging.Logger, error) {
	path := resolveConfigPath(opts.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if needAccount {
		if err := cfg.ValidateAccount(); err != nil {
			return nil, nil, err
		}
	}

	log := logging.New(cfg.Logging, version)
	if path != "" {
		log.Debug("configuration loaded", "path", path)
	}
	return cfg, log, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// run
// ============================================================================

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller with the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(opts, true)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
}

// run is the long-running controller, separated from the command for
// readability.
//
// Parameters:
//   - ctx: Cancelled by SIGINT/SIGTERM
//   - cfg: Loaded configuration
//   - log: Configured logger
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	log.Info("starting fossibot",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	a, err := newApp(ctx, cfg, log, appOptions{withMetrics: cfg.Metrics.Enabled})
	if err != nil {
		return err
	}

	var srv *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Metrics:  cfg.Metrics,
			Logger:   log.Component("api"),
			Commands: a.ctrl,
			State:    a.store,
			Conn:     a.orch,
			Audit:    a.audit,
			Version:  version,
		}
		if a.db != nil {
			deps.Database = a.db
		}
		if a.metrics != nil {
			deps.Exporter = a.metrics.Handler()
		}
		srv, err = api.New(deps)
		if err != nil {
			a.stop()
			return fmt.Errorf("creating API server: %w", err)
		}
		a.orch.OnStateChange(srv.BroadcastConnectionState)
	} else {
		log.Info("HTTP API disabled")
	}

	if err := a.start(ctx); err != nil {
		a.close()
		return err
	}

	if srv != nil {
		if err := srv.Start(ctx); err != nil {
			a.stop()
			return fmt.Errorf("starting API server: %w", err)
		}
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if srv != nil {
		if err := srv.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
	}
	a.stop()

	log.Info("fossibot stopped")
	return nil
}

// ============================================================================
// devices
// ============================================================================

func newDevicesCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Sign in and list the power stations on the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(opts, true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			provider, err := cloud.NewProvider(cfg.Cloud, cfg.Account.Locale)
			if err != nil {
				return fmt.Errorf("creating cloud provider: %w", err)
			}
			provider.SetLogger(log.Component("cloud"))

			sess, err := provider.Authenticate(ctx, orchestrator.Credentials{
				Username: cfg.Account.Username,
				Password: cfg.Account.Password,
			})
			if err != nil {
				return fmt.Errorf("signing in: %w", err)
			}

			devices := append([]orchestrator.Device(nil), sess.Devices...)
			sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
			if asJSON {
				return printJSON(cmd.OutOrStdout(), devices)
			}
			return printDevices(cmd.OutOrStdout(), devices)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printDevices(out io.Writer, devices []orchestrator.Device) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODEL\tADDRESS\tCOUNT")
	for _, d := range devices {
		model, _ := registers.Lookup(d.ModelKey)
		addr, count := model.DeviceAddress, model.ReadCount
		if d.ModbusAddress != 0 {
			addr = d.ModbusAddress
		}
		if d.ModbusCount != 0 {
			count = d.ModbusCount
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t0x%02X\t%d\n", d.ID, d.Name, model.Key, addr, count)
	}
	return w.Flush()
}

// ============================================================================
// read
// ============================================================================

func newReadCmd(opts *rootOptions) *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "read <device-id>",
		Short: "Connect, poll one station and print its decoded state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts, true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			a, err := newApp(ctx, cfg, log, appOptions{})
			if err != nil {
				return err
			}

			updates := make(chan state.DeviceState, 16)
			unsubscribe := a.store.Subscribe(func(ds state.DeviceState) {
				if !sameDevice(ds.DeviceID, args[0]) || ds.Seq == 0 {
					return
				}
				select {
				case updates <- ds:
				default:
				}
			})
			defer unsubscribe()

			if err := a.start(ctx); err != nil {
				a.close()
				return err
			}
			defer a.stop()

			if err := a.waitConnected(ctx); err != nil {
				return err
			}
			dev, ok := sessionDevice(a.orch, args[0])
			if !ok {
				return fmt.Errorf("%w: %s", controller.ErrUnknownDevice, args[0])
			}

			ds, err := awaitState(ctx, updates, settle)
			if err != nil {
				return err
			}
			if latest, ok := a.store.Get(dev.ID); ok {
				ds = latest
			}
			return printJSON(cmd.OutOrStdout(), ds)
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 3*time.Second, "Keep collecting updates this long after the first report")
	return cmd
}

// awaitState waits for the first report, then keeps draining updates for
// the settle period so both register banks can arrive.
func awaitState(ctx context.Context, updates <-chan state.DeviceState, settle time.Duration) (state.DeviceState, error) {
	var ds state.DeviceState
	select {
	case ds = <-updates:
	case <-ctx.Done():
		return ds, fmt.Errorf("no report from device: %w", ctx.Err())
	}

	timer := time.NewTimer(settle)
	defer timer.Stop()
	for {
		select {
		case next := <-updates:
			ds = next
		case <-timer.C:
			return ds, nil
		case <-ctx.Done():
			return ds, nil
		}
	}
}

// ============================================================================
// write
// ============================================================================

func newWriteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "write <device-id> <field> <value>",
		Short: "Set one field and wait for the station to acknowledge",
		Long: "Set one writable field. Booleans accept true/false/on/off, enums accept " +
			"their label or index, numbers are given in the field's unit.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			field := args[1]
			value := parseValue(args[2])

			cfg, log, err := loadConfig(opts, true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			a, err := newApp(ctx, cfg, log, appOptions{})
			if err != nil {
				return err
			}
			if err := a.start(ctx); err != nil {
				a.close()
				return err
			}
			defer a.stop()

			if err := a.waitConnected(ctx); err != nil {
				return err
			}
			deviceID := args[0]
			if dev, ok := sessionDevice(a.orch, args[0]); ok {
				deviceID = dev.ID
			}

			res, err := a.ctrl.Write(ctx, controller.WriteRequest{
				DeviceID: deviceID,
				Field:    field,
				Value:    value,
				Source:   cliWriteSource,
			})
			if err != nil {
				return fmt.Errorf("writing %s: %w", field, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %v acknowledged (register %d, %s, correlation %s)\n",
				res.DeviceID, field, args[2], res.Register,
				res.Latency().Round(time.Millisecond), res.CorrelationID)
			return nil
		},
	}
}

// parseValue turns a command-line value into the type Descriptor.Raw
// accepts. Anything that is not a bool or number stays a label.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "on":
		return true
	case "false", "off":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// sameDevice compares a session device ID with user input, which may be a
// MAC address with separators in any case.
func sameDevice(id, input string) bool {
	input = strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(input))
	return strings.EqualFold(id, input)
}

// sessionDevice finds the session device matching user input.
func sessionDevice(orch *orchestrator.Orchestrator, input string) (orchestrator.Device, bool) {
	for _, d := range orch.Devices() {
		if sameDevice(d.ID, input) {
			return d, true
		}
	}
	return orchestrator.Device{}, false
}

// ============================================================================
// fields
// ============================================================================

func newFieldsCmd() *cobra.Command {
	var (
		modelKey     string
		writableOnly bool
	)
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "Print the register map of a model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			model, ok := registers.Lookup(modelKey)
			if !ok && modelKey != "" {
				return fmt.Errorf("unknown model %q", modelKey)
			}
			descs := model.Descriptors()
			if writableOnly {
				descs = model.Writable()
			}
			return printFields(cmd.OutOrStdout(), model, descs)
		},
	}
	cmd.Flags().StringVarP(&modelKey, "model", "m", "", "Model key (default model when empty)")
	cmd.Flags().BoolVarP(&writableOnly, "writable", "w", false, "Only list writable fields")
	return cmd
}

func printFields(out io.Writer, model *registers.Model, descs []registers.Descriptor) error {
	fmt.Fprintf(out, "%s (%s)\n", model.Name, model.Key)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tREGISTER\tBANK\tACCESS\tUNIT\tVALUES")
	for _, d := range descs {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			d.Field, d.Address, d.Bank, d.Access, d.Unit, strings.Join(d.Labels, "|"))
	}
	return w.Flush()
}

// ============================================================================
// version
// ============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fossibot %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
