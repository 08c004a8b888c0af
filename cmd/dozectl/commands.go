package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"dozed/internal/ipc"
)

func cmdStatus() error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	var resp ipc.StatusResponse
	if err := c.Call(ipc.MsgStatusRequest, nil, &resp); err != nil {
		return err
	}

	fmt.Printf("dozed %s\n", resp.Version)
	fmt.Printf("  state:        %s\n", resp.State)
	fmt.Printf("  last wake:    %s\n", resp.LastWake.Format(time.RFC3339))
	fmt.Printf("  subscribers:  %d\n", resp.Subscribers)

	fmt.Printf("\nClients (%d):\n", len(resp.Clients))
	for _, cl := range resp.Clients {
		name := cl.ClientName
		if name == "" {
			name = "-"
		}
		fmt.Printf("  %s  %-20s  suspendRequest=%v prepareSuspend=%v nacks=%d/%d\n",
			cl.ClientID, name, cl.SuspendRequest, cl.PrepareSuspend,
			cl.NACKSuspendRequest, cl.NACKPrepareSuspend)
	}

	fmt.Printf("\nActivities (%d):\n", len(resp.Activities))
	for _, a := range resp.Activities {
		fmt.Printf("  %-30s  expires in %s\n",
			a.ActivityID, time.Until(a.ExpiresAt).Round(time.Millisecond))
	}
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of records")
	fs.Parse(args)

	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	var resp ipc.HistoryResponse
	if err := c.Call(ipc.MsgHistoryRequest, &ipc.HistoryRequest{Limit: *limit}, &resp); err != nil {
		return err
	}

	for _, r := range resp.Records {
		line := fmt.Sprintf("%s  %-5s  %8dms", r.At.Format(time.RFC3339), r.Kind, r.DurationMs)
		if r.Kind == "wake" {
			line += fmt.Sprintf("  resume_type=%d", r.ResumeType)
		}
		fmt.Println(line)
	}
	return nil
}

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	ack := fs.Bool("ack", false, "register for both phases and acknowledge them")
	name := fs.String("name", "dozectl", "client name to identify as")
	fs.Parse(args)

	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	clientID, err := c.Identify(*name, "dozectl")
	if err != nil {
		return err
	}
	fmt.Printf("identified as %s\n", clientID)

	if *ack {
		for _, t := range []ipc.MessageType{ipc.MsgSuspendRequestRegister, ipc.MsgPrepareSuspendRegister} {
			if err := c.Call(t, &ipc.RegisterRequest{ClientID: clientID, Register: true}, nil); err != nil {
				return err
			}
		}
		fmt.Println("registered for both handshake phases")
	}

	return c.Watch(func(ev ipc.SignalEvent) {
		line := ev.Signal
		if ev.ResumeType != nil {
			line += fmt.Sprintf(" resumetype=%d", *ev.ResumeType)
		}
		fmt.Printf("%s  %s\n", ev.At.Format(time.RFC3339), line)

		if !*ack {
			return
		}
		var ackType ipc.MessageType
		switch ev.Signal {
		case ipc.SignalSuspendRequest:
			ackType = ipc.MsgSuspendRequestAck
		case ipc.SignalPrepareSuspend:
			ackType = ipc.MsgPrepareSuspendAck
		default:
			return
		}
		// The watch loop owns the connection; acknowledge on a second one.
		go func() {
			c2, err := dial()
			if err != nil {
				fmt.Fprintln(os.Stderr, "ack:", err)
				return
			}
			defer c2.Close()
			if err := c2.Call(ackType, &ipc.AckRequest{ClientID: clientID, Ack: true}, nil); err != nil {
				fmt.Fprintln(os.Stderr, "ack:", err)
			}
		}()
	})
}

func cmdForceSuspend(args []string) error {
	fs := flag.NewFlagSet("force-suspend", flag.ExitOnError)
	reason := fs.String("r", "dozectl", "reason to log")
	fs.Parse(args)

	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Call(ipc.MsgForceSuspend, &ipc.ForceSuspendRequest{Reason: *reason}, nil); err != nil {
		return err
	}
	fmt.Println("suspend attempt started")
	return nil
}

func cmdActivity(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: dozectl activity start <id> <duration_ms> | end <id>")
	}

	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	switch args[0] {
	case "start":
		if len(args) < 3 {
			return fmt.Errorf("usage: dozectl activity start <id> <duration_ms>")
		}
		ms, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("duration_ms must be a positive integer, got %q", args[2])
		}
		if err := c.Call(ipc.MsgActivityStart, &ipc.ActivityStartRequest{
			ActivityID: args[1],
			DurationMs: ms,
		}, nil); err != nil {
			return err
		}
		fmt.Printf("activity %s held for %dms\n", args[1], ms)
		return nil

	case "end":
		if err := c.Call(ipc.MsgActivityEnd, &ipc.ActivityEndRequest{ActivityID: args[1]}, nil); err != nil {
			return err
		}
		fmt.Printf("activity %s released\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown activity action %q", args[0])
	}
}

func cmdCancel(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dozectl cancel <name>")
	}

	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Call(ipc.MsgClientCancelByName, &ipc.ClientCancelByNameRequest{ClientName: args[0]}, nil); err != nil {
		return err
	}
	fmt.Printf("canceled clients named %q\n", args[0])
	return nil
}

func cmdAlarm(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: dozectl alarm add <key> <in_s> [app] | remove <id>")
	}

	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	switch args[0] {
	case "add":
		if len(args) < 3 {
			return fmt.Errorf("usage: dozectl alarm add <key> <in_s> [app]")
		}
		secs, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("in_s must be a positive integer, got %q", args[2])
		}
		app := ""
		if len(args) > 3 {
			app = args[3]
		}
		var resp ipc.AlarmAddResponse
		if err := c.Call(ipc.MsgAlarmAdd, &ipc.AlarmAddRequest{
			Key:    args[1],
			AppID:  app,
			InSecs: secs,
		}, &resp); err != nil {
			return err
		}
		fmt.Printf("alarm %d scheduled in %ds\n", resp.AlarmID, secs)
		return nil

	case "remove":
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("id must be a positive integer, got %q", args[1])
		}
		if err := c.Call(ipc.MsgAlarmRemove, &ipc.AlarmRemoveRequest{AlarmID: id}, nil); err != nil {
			return err
		}
		fmt.Printf("alarm %d removed\n", id)
		return nil

	default:
		return fmt.Errorf("unknown alarm action %q", args[0])
	}
}

func cmdCharger(args []string) error {
	if len(args) < 1 || (args[0] != "on" && args[0] != "off") {
		return fmt.Errorf("usage: dozectl charger <on|off>")
	}

	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	connected := args[0] == "on"
	if err := c.Call(ipc.MsgChargerStatus, &ipc.ChargerStatusRequest{Connected: connected}, nil); err != nil {
		return err
	}
	fmt.Printf("charger reported %s\n", args[0])
	return nil
}
