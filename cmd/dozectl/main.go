// dozectl - control client for the dozed daemon
//
//	dozectl status              Show daemon state, clients and activities
//	dozectl history             Show recent sleep/wake records
//	dozectl watch               Subscribe and print power signals
//	dozectl force-suspend       Start a suspend attempt now
//	dozectl activity start      Claim an activity lease
//	dozectl activity end        Release an activity lease
//	dozectl cancel <name>       Unregister clients by name
//	dozectl charger <on|off>    Report charger plug state
//	dozectl alarm add           Schedule an RTC wakeup
//	dozectl alarm remove        Cancel a scheduled wakeup
package main

import (
	"fmt"
	"os"

	"dozed/internal/config"
	"dozed/internal/ipc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "status":
		err = cmdStatus()
	case "history":
		err = cmdHistory(os.Args[2:])
	case "watch":
		err = cmdWatch(os.Args[2:])
	case "force-suspend":
		err = cmdForceSuspend(os.Args[2:])
	case "activity":
		err = cmdActivity(os.Args[2:])
	case "cancel":
		err = cmdCancel(os.Args[2:])
	case "charger":
		err = cmdCharger(os.Args[2:])
	case "alarm":
		err = cmdAlarm(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "dozectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`dozectl - control client for dozed

USAGE:
    dozectl <command> [options]

COMMANDS:
    status                       Show daemon state, clients and activities
    history [-n <count>]         Show recent sleep/wake records
    watch [--ack]                Subscribe and print power signals;
                                 --ack also registers and acknowledges
                                 both handshake phases
    force-suspend [-r <reason>]  Start a suspend attempt now
    activity start <id> <ms>     Claim an activity lease for <ms> milliseconds
    activity end <id>            Release an activity lease
    cancel <name>                Unregister all clients with the given name
    charger <on|off>             Report charger plug state
    alarm add <key> <in_s> [app] Schedule an RTC wakeup <in_s> seconds from now
    alarm remove <id>            Cancel a scheduled wakeup
    help                         Show this help message

The socket path comes from the DOZED_SOCKET environment variable or the
default state directory.`)
}

// dial connects to the daemon socket.
func dial() (*ipc.Client, error) {
	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	c := ipc.NewClient(ipc.ClientConfig{SocketPath: cfg.IPC.SocketPath})
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}
