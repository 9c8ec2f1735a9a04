package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oro-computer/sage/host"
)

func runCmd() *cobra.Command {
	var (
		configPath   string
		bootstrap    string
		allowFSRead  []string
		openPath     string
		loadTimeout  int
		eventTimeout int
		memLimitMB   int
		stackLimitKB int
		logPath      string
		verbose      bool
		pollRounds   int
	)

	cmd := &cobra.Command{
		Use:   "run [plugin.js ...]",
		Short: "Load plugins, emit one open event, drain queued commands",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadHarnessConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if bootstrap == "" {
				bootstrap = cfg.Bootstrap
			}
			if len(args) == 0 {
				args = cfg.Plugins
			}
			if openPath == "" {
				openPath = cfg.OpenPath
			}
			if loadTimeout == 0 {
				loadTimeout = cfg.LoadTimeout
			}
			if eventTimeout == 0 {
				eventTimeout = cfg.EventTimeout
			}
			if memLimitMB == 0 {
				memLimitMB = cfg.MemLimitMB
			}
			if stackLimitKB == 0 {
				stackLimitKB = cfg.StackLimitKB
			}
			if logPath == "" {
				logPath = cfg.LogPath
			}
			allowFSRead = append(allowFSRead, cfg.AllowFSRead...)

			if bootstrap == "" {
				return fmt.Errorf("a --bootstrap file is required")
			}
			if len(args) == 0 {
				return fmt.Errorf("at least one plugin file is required")
			}

			h := host.New(verbose)
			defer h.Free()

			if loadTimeout > 0 || eventTimeout > 0 {
				h.SetTimeoutsMs(loadTimeout, eventTimeout)
			}
			if memLimitMB > 0 || stackLimitKB > 0 {
				h.SetLimits(memLimitMB, stackLimitKB)
			}
			if logPath != "" {
				h.SetLogPath(logPath)
			}
			for _, p := range allowFSRead {
				if err := h.AllowFSReadPath(p); err != nil {
					return fmt.Errorf("allow_fs_read_path %q: %w", p, err)
				}
			}

			bootstrapSrc, err := os.ReadFile(bootstrap)
			if err != nil {
				return fmt.Errorf("read bootstrap: %w", err)
			}
			if err := h.EvalBootstrap(string(bootstrapSrc)); err != nil {
				return fmt.Errorf("eval_bootstrap: %w", err)
			}

			if err := h.ReservePlugins(len(args)); err != nil {
				return fmt.Errorf("reserve_plugins: %w", err)
			}
			for _, path := range args {
				if err := h.EvalFile(path); err != nil {
					color.Red("sage-plugin-host: %s failed to load: %v", path, err)
					continue
				}
				color.Green("sage-plugin-host: loaded %s", path)
			}

			if openPath != "" {
				h.EmitOpen(openPath, 0, 1)
			}

			for i := 0; i < pollRounds; i++ {
				h.Poll()
				drainQueue(h)
				if h.TakeError() {
					color.Red("sage-plugin-host: a plugin reported an error")
				}
				time.Sleep(10 * time.Millisecond)
			}
			drainQueue(h)

			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML harness config")
	cmd.Flags().StringVar(&bootstrap, "bootstrap", "", "bootstrap script path (defines __sage_emit)")
	cmd.Flags().StringArrayVar(&allowFSRead, "allow-fs-read", nil, "path to add to the read allowlist (repeatable)")
	cmd.Flags().StringVar(&openPath, "open", "", "path to report in the synthetic open event")
	cmd.Flags().IntVar(&loadTimeout, "load-timeout-ms", 0, "plugin load deadline in milliseconds")
	cmd.Flags().IntVar(&eventTimeout, "event-timeout-ms", 0, "per-event deadline in milliseconds")
	cmd.Flags().IntVar(&memLimitMB, "mem-limit-mb", 0, "advisory VM memory cap in megabytes")
	cmd.Flags().IntVar(&stackLimitKB, "stack-limit-kb", 0, "advisory VM stack cap in kilobytes")
	cmd.Flags().StringVar(&logPath, "log", "", "log file path (empty uses the default log location)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "raise the default console threshold")
	cmd.Flags().IntVar(&pollRounds, "poll-rounds", 20, "number of poll iterations to run after the open event")

	return cmd
}

func drainQueue(h *host.Host) {
	for {
		cmdStr, n, err := h.TakeExecCmd(cmdqueueBufSize)
		if err != nil {
			color.Red("sage-plugin-host: %v", err)
			return
		}
		if n == 0 {
			return
		}
		fmt.Println(cmdStr)
	}
}

const cmdqueueBufSize = 4096
