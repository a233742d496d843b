package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/dooshek/keymapd/internal/config"
	"github.com/dooshek/keymapd/internal/dbus"
	"github.com/dooshek/keymapd/internal/devices"
	"github.com/dooshek/keymapd/internal/logger"
	"github.com/dooshek/keymapd/internal/notification"
	"github.com/dooshek/keymapd/internal/server"
)

func init() {
	// Set custom usage message to show -- prefix
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage of %s:\n", os.Args[0])
		flag.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(out, "  --%s", f.Name)
			name, usage := flag.UnquoteUsage(f)
			if len(name) > 0 {
				fmt.Fprintf(out, " %s", name)
			}
			fmt.Fprintf(out, "\n    \t%s", usage)
			if f.DefValue != "" && f.DefValue != "false" {
				fmt.Fprintf(out, " (default %q)", f.DefValue)
			}
			fmt.Fprintf(out, "\n")
		})
	}
}

func main() {
	listDevices := flag.Bool("list-devices", false, "List grabbable input devices and exit")
	grabAndExit := flag.Bool("grab-and-exit", false, "Attempt a single device grab and exit (permission bootstrap)")
	debounce := flag.Bool("debounce", false, "Enable button debouncing")
	noDBus := flag.Bool("no-dbus", false, "Do not export the D-Bus status service")
	socketPath := flag.String("socket", "", "Client socket path (overrides config file)")
	logLevel := flag.String("log-level", "", "Set log level (debug|info|warn|error)")
	logFilename := flag.String("log-filename", "", "Log to file instead of stdout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Error loading config", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFilename != "" {
		cfg.LogFilename = *logFilename
	}
	if *debounce {
		cfg.Debounce = true
	}
	if *noDBus {
		cfg.NoDBus = true
	}

	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFilename != "" {
		if err := logger.SetOutputFile(cfg.LogFilename); err != nil {
			fmt.Printf("Error setting log file: %v\n", err)
			os.Exit(1)
		}
		defer logger.CloseLogFile()
	}

	if *listDevices {
		printDevices()
		os.Exit(0)
	}

	if *grabAndExit {
		os.Exit(server.GrabAndExit(devices.NewEvdevDeviceSet(), cfg.VirtualDeviceName))
	}

	client := server.NewClientPort(cfg.SocketPath)
	if err := client.Initialize(); err != nil {
		logger.Error("Initializing client socket failed", err)
		os.Exit(1)
	}

	var statusService *dbus.Server
	if !cfg.NoDBus {
		statusService = dbus.NewServer()
		if err := statusService.Start(); err != nil {
			logger.Warnf("D-Bus service unavailable: %v", err)
			statusService = nil
		} else {
			defer statusService.Stop()
		}
	}

	daemon := &server.Daemon{
		VirtualDeviceName: cfg.VirtualDeviceName,
		Client:            client,
		NewDeviceSet:      func() devices.DeviceSet { return devices.NewEvdevDeviceSet() },
		NewVirtualDevice:  func() devices.VirtualDevice { return devices.NewUinputDevice() },
	}
	if cfg.Debounce {
		daemon.Debouncer = server.NewDebouncer(cfg.ParsedDebounceInterval())
	}
	if statusService != nil {
		daemon.OnAction = statusService.ActionTriggered
		daemon.OnSession = statusService.SetSession
	}

	notifier := notification.New()
	if err := notifier.Notify("keymapd started", "Listening on "+cfg.SocketPath); err != nil {
		logger.Warn("Could not send notification")
	}
	logger.Infof("Listening for the configuration client on %s", cfg.SocketPath)

	var group errgroup.Group
	group.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Infof("Received signal %v, shutting down...", sig)
		client.Close()
		os.Exit(0)
		return nil
	})
	group.Go(func() error {
		code := daemon.Run()
		client.Close()
		os.Exit(code)
		return nil
	})
	group.Wait()
}

func printDevices() {
	infos := devices.ListAvailable()
	if len(infos) == 0 {
		fmt.Println("No grabbable devices found (check the input group permissions)")
		return
	}
	kind := color.New(color.FgYellow)
	name := color.New(color.FgGreen, color.Bold)
	for _, info := range infos {
		label := "keyboard"
		if info.Pointer {
			label = "pointer"
		}
		fmt.Printf("%-18s %s  %s\n", info.Path, kind.Sprintf("%-8s", label), name.Sprint(info.Name))
	}
}
