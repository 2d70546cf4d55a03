// Command dogbotctl is the operator entrypoint: it opens the USB transport
// manager for one VID/PID pair, runs the facade's monitor/control loop, and
// drops into an interactive console for demanding positions, homing joints,
// and flipping a servo's transport into raw bridge passthrough.
//
// Flag parsing follows the pack's github.com/urfave/cli/v2 (viamrobotics-rdk's
// cli package); each console line is tokenized with github.com/google/shlex so
// quoted arguments ("save-config \"my config.json\"") behave the way a shell
// would rather than splitting on every space.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/gousb"
	"github.com/google/shlex"
	"github.com/urfave/cli/v2"

	"dogbotctl/bus"
	"dogbotctl/facade"
	"dogbotctl/logx"
)

func main() {
	app := &cli.App{
		Name:  "dogbotctl",
		Usage: "host-side control console for the USB smart servo drivers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "vid", Value: "0483", Usage: "USB vendor ID, hex"},
			&cli.StringFlag{Name: "pid", Value: "5740", Usage: "USB product ID, hex"},
			&cli.StringFlag{Name: "config", Usage: "path to the servo config JSON document"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dogbotctl:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logx.Default.With("dogbotctl")

	vid, err := parseID(c.String("vid"))
	if err != nil {
		return fmt.Errorf("--vid: %w", err)
	}
	pid, err := parseID(c.String("pid"))
	if err != nil {
		return fmt.Errorf("--pid: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b := bus.NewBus(32)
	conn := b.NewConnection("dogbotctl")

	f := facade.New(vid, pid, conn)

	go func() {
		if err := f.Run(ctx, c.String("config")); err != nil {
			log.Error("facade stopped", map[string]any{"err": err})
		}
	}()

	runConsole(ctx, f, log)
	cancel()
	return nil
}

func parseID(s string) (gousb.ID, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return gousb.ID(v), nil
}

// runConsole reads shlex-tokenized command lines from stdin until EOF, ctx
// cancellation, or an explicit quit/exit.
func runConsole(ctx context.Context, f *facade.Facade, log *logx.Logger) {
	fmt.Println("dogbotctl console. type 'help' for commands, 'quit' to exit.")
	scanner := bufio.NewScanner(os.Stdin)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			args, err := shlex.Split(line)
			if err != nil {
				fmt.Println("parse error:", err)
				continue
			}
			if len(args) == 0 {
				continue
			}
			if dispatch(ctx, f, log, args) {
				return
			}
		}
	}
}

// dispatch runs one tokenized console command, returning true if the console
// should exit.
func dispatch(ctx context.Context, f *facade.Facade, log *logx.Logger, args []string) bool {
	cmd, rest := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "quit", "exit":
		return true

	case "help":
		printHelp()

	case "devices":
		for _, d := range f.Devices() {
			fmt.Printf("%-16s id=%-3d pos=%8.4f vel=%8.4f torque=%6.2f posRef=%d lostContact=%v\n",
				d.Name, d.DeviceID, d.Position, d.Velocity, d.Torque, d.PositionReference, d.LostContact)
		}

	case "demand-position":
		if len(rest) != 3 {
			fmt.Println("usage: demand-position <name> <position> <torque-limit>")
			return false
		}
		pos, err1 := strconv.ParseFloat(rest[1], 64)
		torque, err2 := strconv.ParseFloat(rest[2], 64)
		if err1 != nil || err2 != nil {
			fmt.Println("invalid number")
			return false
		}
		if err := f.DemandPosition(rest[0], pos, torque); err != nil {
			fmt.Println("error:", err)
		}

	case "demand-torque":
		if len(rest) != 2 {
			fmt.Println("usage: demand-torque <name> <torque>")
			return false
		}
		torque, err := strconv.ParseFloat(rest[1], 64)
		if err != nil {
			fmt.Println("invalid number")
			return false
		}
		if err := f.DemandTorque(rest[0], torque); err != nil {
			fmt.Println("error:", err)
		}

	case "home":
		if len(rest) < 1 {
			fmt.Println("usage: home <name> [restore]")
			return false
		}
		restore := len(rest) > 1 && rest[1] == "restore"
		homed, err := f.Home(ctx, rest[0], restore)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println("homed:", homed)

	case "enable-bridge":
		if len(rest) != 1 {
			fmt.Println("usage: enable-bridge <name>")
			return false
		}
		if err := f.EnableBridge(ctx, rest[0]); err != nil {
			fmt.Println("error:", err)
		}

	case "disable-bridge":
		if len(rest) != 1 {
			fmt.Println("usage: disable-bridge <name>")
			return false
		}
		if err := f.DisableBridge(rest[0]); err != nil {
			fmt.Println("error:", err)
		}

	case "load-config":
		if len(rest) != 1 {
			fmt.Println("usage: load-config <path>")
			return false
		}
		if err := f.LoadConfig(rest[0]); err != nil {
			fmt.Println("error:", err)
		}

	case "save-config":
		path := ""
		if len(rest) == 1 {
			path = rest[0]
		}
		if err := f.SaveConfig(path); err != nil {
			fmt.Println("error:", err)
		}

	default:
		fmt.Println("unknown command:", cmd, "(try 'help')")
	}
	return false
}

func printHelp() {
	fmt.Println(`commands:
  devices
  demand-position <name> <position> <torque-limit>
  demand-torque <name> <torque>
  home <name> [restore]
  enable-bridge <name>
  disable-bridge <name>
  load-config <path>
  save-config [path]
  quit | exit`)
}
