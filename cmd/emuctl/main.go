// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	core "github.com/forkbombeu/emuctl/internal/avd"
	"github.com/forkbombeu/emuctl/pkg/avdmanager"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := setupTracing(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tracing disabled:", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	var correlationID string
	var verbose bool
	var mgr *avdmanager.Manager
	root := &cobra.Command{
		Use:           "emuctl",
		Short:         "Android SDK and emulator lifecycle tool (CI-friendly)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Events go to stderr so --json output stays parseable.
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelInfo
			}
			core.SetLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			mgr = avdmanager.NewWithContextAndCorrelationID(ctx, correlationID)
		},
	}
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", os.Getenv("EMUCTL_CORRELATION_ID"), "correlation id added to logs and spans")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every tool invocation to stderr")

	// packages
	var pkgJSON, pkgSupported bool
	packagesCmd := &cobra.Command{
		Use:   "packages",
		Short: "List installed SDK packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pkgSupported {
				pkgs, err := mgr.SupportedAPIPackages()
				if err != nil {
					return err
				}
				if pkgJSON {
					return printJSON(pkgs)
				}
				for _, p := range pkgs {
					img := "-"
					if p.SystemImage != nil {
						img = p.SystemImage.Path
					}
					fmt.Printf("%-8s %-24s %s\n", p.Platform.Version, p.Platform.Path, img)
				}
				return nil
			}
			pkgs, err := mgr.InstalledPackages()
			if err != nil {
				return err
			}
			if pkgJSON {
				return printJSON(pkgs)
			}
			for _, p := range pkgs {
				fmt.Printf("%-56s %-10s %s\n", p.Path, p.Version, p.Description)
			}
			return nil
		},
	}
	packagesCmd.Flags().BoolVar(&pkgJSON, "json", false, "output JSON")
	packagesCmd.Flags().BoolVar(&pkgSupported, "supported", false, "only platforms an emulator can run, newest first")
	root.AddCommand(packagesCmd)

	// devices
	var devJSON bool
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List AVDs known to avdmanager",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := mgr.List()
			if err != nil {
				return err
			}
			if devJSON {
				return printJSON(devices)
			}
			for _, d := range devices {
				sdcard := "-"
				if d.SDCardBytes > 0 {
					sdcard = units.BytesSize(float64(d.SDCardBytes))
				}
				fmt.Printf("%-24s api=%-4s %s/%s sdcard=%s\n  %s\n", d.Name, d.APILevel, d.Tag, d.ABI, sdcard, d.Path)
			}
			return nil
		},
	}
	devicesCmd.Flags().BoolVar(&devJSON, "json", false, "output JSON")
	root.AddCommand(devicesCmd)

	// create
	var crOpts avdmanager.CreateOptions
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an AVD from the best installed system image",
		RunE: func(cmd *cobra.Command, args []string) error {
			if crOpts.Name == "" {
				return errors.New("--name is required")
			}
			d, err := mgr.Create(crOpts)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s at %s\n", d.Name, d.Path)
			return nil
		},
	}
	createCmd.Flags().StringVar(&crOpts.Name, "name", "", "AVD name")
	createCmd.Flags().StringVar(&crOpts.APILevel, "api", "", "API level (newest supported if omitted)")
	createCmd.Flags().StringVar(&crOpts.DeviceProfile, "device", "", "device profile, e.g. pixel_6")
	createCmd.Flags().StringVar(&crOpts.SDCardSize, "sdcard", "", "SD card size, e.g. 512M")
	root.AddCommand(createCmd)

	// delete
	deleteCmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an AVD (missing AVDs are ignored)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mgr.Delete(args[0])
		},
	}
	root.AddCommand(deleteCmd)

	// start
	var runOpts avdmanager.RunOptions
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start an emulator, reusing a running one when it fits",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runOpts.Name == "" {
				return errors.New("--name is required")
			}
			if runOpts.Port != 0 && runOpts.Port%2 != 0 {
				return errors.New("--port must be even")
			}
			p, err := mgr.Run(runOpts)
			if err != nil {
				return err
			}
			fmt.Printf("Started %s on %s\n", p.Name, p.Serial)
			return nil
		},
	}
	startCmd.Flags().StringVar(&runOpts.Name, "name", "", "AVD name or display name")
	startCmd.Flags().IntVar(&runOpts.Port, "port", 0, "even console port (auto if omitted)")
	startCmd.Flags().BoolVar(&runOpts.Writable, "writable", false, "boot with a writable system partition")
	startCmd.Flags().BoolVar(&runOpts.WaitForBoot, "wait", false, "wait until Android has booted")
	startCmd.Flags().BoolVar(&runOpts.Headless, "headless", false, "no window, audio or boot animation")
	startCmd.Flags().StringSliceVar(&runOpts.ExtraArgs, "arg", nil, "extra emulator argument (repeatable)")
	root.AddCommand(startCmd)

	// stop
	var stopName, stopSerial string
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running emulator by --name or --serial",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case stopSerial != "":
				if err := mgr.Stop(stopSerial); err != nil {
					return err
				}
				fmt.Printf("Stopped %s\n", stopSerial)
			case stopName != "":
				if err := mgr.StopByName(stopName); err != nil {
					return err
				}
				fmt.Printf("Stopped %s\n", stopName)
			default:
				return errors.New("use --name or --serial")
			}
			return nil
		},
	}
	stopCmd.Flags().StringVar(&stopName, "name", "", "AVD name")
	stopCmd.Flags().StringVar(&stopSerial, "serial", "", "emulator serial (e.g., emulator-5554)")
	root.AddCommand(stopCmd)

	// reboot
	var rbSerial string
	var rbWait bool
	rebootCmd := &cobra.Command{
		Use:   "reboot",
		Short: "Reboot a running emulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rbSerial == "" {
				return errors.New("--serial is required")
			}
			return mgr.Reboot(rbSerial, rbWait)
		},
	}
	rebootCmd.Flags().StringVar(&rbSerial, "serial", "", "emulator serial")
	rebootCmd.Flags().BoolVar(&rbWait, "wait", true, "wait until Android has booted again")
	root.AddCommand(rebootCmd)

	// wait-boot
	var wbSerial string
	var wbTimeout time.Duration
	waitCmd := &cobra.Command{
		Use:   "wait-boot",
		Short: "Wait until an emulator has fully booted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if wbSerial == "" {
				return errors.New("--serial is required")
			}
			return mgr.WaitForBootWithProgress(wbSerial, wbTimeout, func(stage string, elapsed time.Duration) {
				fmt.Fprintf(os.Stderr, "%s %s\n", stage, elapsed.Round(time.Second))
			})
		},
	}
	waitCmd.Flags().StringVar(&wbSerial, "serial", "", "emulator serial")
	waitCmd.Flags().DurationVar(&wbTimeout, "timeout", 0, "boot timeout (configured default if omitted)")
	root.AddCommand(waitCmd)

	// root-writable
	rootWritableCmd := &cobra.Command{
		Use:   "root-writable NAME",
		Short: "Boot with a writable system, root adbd and remount /system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serial, err := mgr.RootWritableSystem(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s is rooted with /system writable\n", serial)
			return nil
		},
	}
	root.AddCommand(rootWritableCmd)

	// writable
	writableCmd := &cobra.Command{
		Use:   "writable SERIAL",
		Short: "Report whether an emulator runs with a writable system partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(mgr.IsSystemWritable(args[0]))
			return nil
		},
	}
	root.AddCommand(writableCmd)

	// ps
	var psJSON bool
	psCmd := &cobra.Command{
		Use:   "ps",
		Short: "List running emulators with AVD name, serial, port, PID",
		RunE: func(cmd *cobra.Command, args []string) error {
			procs, err := mgr.ListRunning()
			if err != nil {
				return err
			}
			if psJSON {
				return printJSON(procs)
			}
			if len(procs) == 0 {
				fmt.Println("(no emulators)")
				return nil
			}
			for _, p := range procs {
				state := "booting"
				if p.Booted {
					state = "ready"
				}
				fmt.Printf("%-18s %-14s port=%-5d pid=%-7d %s\n", p.Name, p.Serial, p.Port, p.PID, state)
			}
			return nil
		},
	}
	psCmd.Flags().BoolVar(&psJSON, "json", false, "output JSON")
	root.AddCommand(psCmd)

	// port
	portCmd := &cobra.Command{
		Use:   "port",
		Short: "Print the console port the next emulator would get",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := mgr.AllocatePort()
			if err != nil {
				return err
			}
			fmt.Println(port)
			return nil
		},
	}
	root.AddCommand(portCmd)

	root.AddCommand(configCommand(func() *avdmanager.Manager { return mgr }))

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func configCommand(manager func() *avdmanager.Manager) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Read and edit an AVD config.ini",
	}

	var getJSON bool
	getCmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Print config.ini entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := manager().ReadConfig(args[0])
			if getJSON {
				return printJSON(values)
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s=%s\n", k, values[k])
			}
			return nil
		},
	}
	getCmd.Flags().BoolVar(&getJSON, "json", false, "output JSON")
	configCmd.AddCommand(getCmd)

	setCmd := &cobra.Command{
		Use:   "set NAME KEY=VALUE...",
		Short: "Set config.ini entries, keeping the others",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make(map[string]string, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return fmt.Errorf("expected KEY=VALUE, got %q", kv)
				}
				values[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			if !manager().SetConfig(args[0], values) {
				return fmt.Errorf("could not write config.ini of %s", args[0])
			}
			return nil
		},
	}
	configCmd.AddCommand(setCmd)

	normalizeCmd := &cobra.Command{
		Use:   "normalize NAME",
		Short: "Apply the standard network, GPU and skin settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !manager().NormalizeConfig(args[0]) {
				return fmt.Errorf("could not normalize config.ini of %s", args[0])
			}
			return nil
		},
	}
	configCmd.AddCommand(normalizeCmd)
	return configCmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
