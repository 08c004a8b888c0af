// dozed - suspend/resume coordination daemon
//
// dozed decides when the device may sleep. Power-aware services register
// over a unix socket, vote in the two-phase suspend handshake, and hold
// activity leases to keep the device awake; dozed broadcasts every
// transition on the socket signal stream and the D-Bus bridge, then writes
// "mem" to the kernel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dozed/internal/activity"
	"dozed/internal/alarm"
	"dozed/internal/client"
	"dozed/internal/config"
	"dozed/internal/dbusbridge"
	"dozed/internal/ipc"
	"dozed/internal/logging"
	"dozed/internal/store"
	"dozed/internal/suspend"
)

var version = "1.0.0"

func main() {
	configPath := flag.String("config", config.ConfigPath(), "configuration file")
	socketPath := flag.String("socket", "", "override the unix socket path")
	logLevel := flag.String("log-level", "", "override the log level")
	noDBus := flag.Bool("no-dbus", false, "disable the D-Bus signal bridge")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dozed %s\n", version)
		return
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fatal("load configuration", err)
	}
	if *socketPath != "" {
		cfg.IPC.SocketPath = *socketPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *noDBus {
		cfg.DBus.Enabled = false
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fatal("parse log level", err)
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		fatal("parse log format", err)
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = format
	logCfg.Output = cfg.Logging.Output
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}

	logger, err := logging.New(logCfg)
	if err != nil {
		fatal("initialize logging", err)
	}
	logging.SetDefault(logger)
	defer logger.Close()

	logger.Info("dozed starting", "version", version, "config", *configPath)

	// Persistence first: everything downstream may record into it.
	st, err := store.Open(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		fatal("open store", err)
	}
	defer st.Close()

	// A dead-battery boot loses the RTC; the saved wall clock tells us
	// how far back the system clock can plausibly be.
	if saved, ok, err := st.SavedWallClock(); err == nil && ok && time.Now().Before(saved) {
		logger.Warn("system clock is behind the last saved wall clock",
			"saved", saved, "now", time.Now())
	}

	var alarms *alarm.Store
	if cfg.Alarms.Enabled {
		alarms, err = alarm.NewStore(st.DB())
		if err != nil {
			fatal("open alarm store", err)
		}
	}

	reg := client.NewRegistry()
	acts := activity.NewLedger()

	reg.OnNACK(func(rec client.Record, p client.Phase) {
		if err := st.RecordNACK(rec.ID, rec.Name, p.String(), time.Now()); err != nil {
			logger.Warn("could not record nack", "client", rec.ID, "error", err)
		}
	})

	machine := suspend.NewSysfsMachine(cfg.Suspend.SuspendWithCharger)
	if err := machine.Probe(); err != nil {
		fatal("probe power backend", err)
	}

	var bridge *dbusbridge.Bridge
	if cfg.DBus.Enabled {
		bridge, err = dbusbridge.Connect(cfg.DBus, logger.WithComponent("dbus"))
		if err != nil {
			if cfg.DBus.Required {
				fatal("connect dbus bridge", err)
			}
			logger.Warn("dbus bridge unavailable, continuing without it", "error", err)
		}
	}
	if bridge != nil {
		defer bridge.Close()
	}

	suspendCfg := func() config.SuspendConfig {
		return loader.Config().Suspend
	}

	var wakeups suspend.WakeupSource
	var alarmSink ipc.AlarmStore
	if alarms != nil {
		wakeups = alarms
		alarmSink = alarms
	}

	bcast := newFanout(bridge, logger.WithComponent("broadcast"))

	orch := suspend.New(suspend.Options{
		Registry:   reg,
		Activities: acts,
		Machine:    machine,
		Broadcast:  bcast,
		Recorder:   st,
		Wakeups:    wakeups,
		Config:     suspendCfg,
		Logger:     logger.WithComponent("suspend"),
	})

	disp := ipc.NewDispatcher(version, reg, acts, orch, machine, alarmSink, historySource{st}, logger.WithComponent("ipc"))
	srv := ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		ReadTimeout:    time.Duration(cfg.IPC.ReadTimeoutSec) * time.Second,
		WriteTimeout:   time.Duration(cfg.IPC.WriteTimeoutSec) * time.Second,
		MaxConnections: cfg.IPC.MaxConnections,
	}, disp, logger.WithComponent("ipc"))
	disp.SetSubscriberCounter(srv.SubscriberCount)
	bcast.bind(srv)

	if err := srv.Start(); err != nil {
		fatal("start ipc server", err)
	}
	defer srv.Stop()

	idle := suspend.NewIdleMonitor(orch, acts, machine, wakeups, suspendCfg, logger.WithComponent("idle"))
	orch.SetIdleScheduler(idle.Schedule)

	loader.OnChange(func(c *config.Config) {
		machine.SetSuspendWithCharger(c.Suspend.SuspendWithCharger)
		logger.Info("configuration reloaded",
			"suspend_with_charger", c.Suspend.SuspendWithCharger)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go orch.Run(ctx)
	if cfg.Suspend.EnableIdleCheck {
		go idle.Run(ctx)
	} else {
		logger.Info("idle check disabled, suspend only via forceSuspend")
	}

	logger.Info("dozed ready", "socket", cfg.IPC.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", "signal", sig.String())
	cancel()
}

// historySource adapts the store to the IPC history command.
type historySource struct {
	st *store.Store
}

func (h historySource) History(limit int) ([]ipc.HistoryTuple, error) {
	recs, err := h.st.History(limit)
	if err != nil {
		return nil, err
	}
	out := make([]ipc.HistoryTuple, 0, len(recs))
	for _, r := range recs {
		out = append(out, ipc.HistoryTuple{
			Kind:       r.Kind,
			At:         r.At,
			Duration:   r.Duration,
			ResumeType: r.ResumeType,
		})
	}
	return out, nil
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "dozed: %s: %v\n", what, err)
	os.Exit(1)
}
