// Command zypak-helper is the wrapper argv target the launcher assembles:
// it receives an FD-assignment map plus the engine's own argv, applies the
// FD map, and execs the real child. It also exposes a "probe" subcommand
// for manually exercising the strategy probe from a terminal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"

	"github.com/zypak/zypak-go/internal/busthread"
	"github.com/zypak/zypak-go/internal/fd"
	"github.com/zypak/zypak-go/internal/portal"
	"github.com/zypak/zypak-go/internal/probe"
	"github.com/zypak/zypak-go/internal/zylog"
)

// CLI is the top-level command surface. Unlike the primary sandbox
// binary's irregular positional-flag contract, this helper has a genuine
// verb/subcommand shape, which is why it alone is built on kong.
type CLI struct {
	ConfigFile string `name:"config" help:"optional YAML config overriding ZYPAK_* defaults" type:"path"`
	LogLevel   string `default:"info" enum:"debug,info,warn,error" help:"logging level"`

	Child ChildCmd `cmd:"" help:"apply an FD-assignment map and exec the given argv"`
	Probe ProbeCmd `cmd:"" help:"run the spawn/mimic strategy probe and print the decision"`
}

// ChildCmd is the wrapper verb: "zypak-helper child <target>=<source>... - <argv>".
type ChildCmd struct {
	Assignments []string `arg:"" optional:"" help:"FD assignments in <target>=<source> form, terminated by '-'"`
	Argv        []string `arg:"" optional:"" passthrough:"" help:"the real child's argv"`
}

func (c *ChildCmd) Run(cli *CLI) error {
	fdMap := fd.NewMap()
	var argv []string
	inAssignments := true
	for _, a := range c.Assignments {
		if a == "-" {
			inAssignments = false
			continue
		}
		if !inAssignments {
			argv = append(argv, a)
			continue
		}
		parsed, err := fd.ParseAssignment(a)
		if err != nil {
			argv = append(argv, a) // first non-assignment token starts argv
			inAssignments = false
			continue
		}
		if err := fdMap.Add(parsed); err != nil {
			return fmt.Errorf("zypak-helper child: %w", err)
		}
	}
	argv = append(argv, c.Argv...)

	for _, assignment := range fdMap.Assignments() {
		if assignment.Target == assignment.Source {
			continue
		}
		if err := syscall.Dup2(assignment.Source, assignment.Target); err != nil {
			return fmt.Errorf("zypak-helper child: dup2(%d, %d): %w", assignment.Source, assignment.Target, err)
		}
	}

	if len(argv) == 0 {
		return fmt.Errorf("zypak-helper child: no child argv given")
	}
	path := argv[0]
	return syscall.Exec(path, argv, os.Environ())
}

// ProbeCmd runs the strategy probe against a live session bus, for manual
// debugging of spawn/mimic selection.
type ProbeCmd struct{}

func (c *ProbeCmd) Run(cli *CLI) error {
	ctx := context.Background()
	bus := busthread.New(busthread.SessionDialer())
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("zypak-helper probe: starting bus thread: %w", err)
	}
	defer bus.Shutdown()

	client := portal.New(bus)
	strategy, err := probe.Decide(ctx, client, noGrants{})
	if err != nil {
		return fmt.Errorf("zypak-helper probe: %w", err)
	}
	if strategy == probe.SpawnStrategy {
		fmt.Println("spawn")
	} else {
		fmt.Println("mimic")
	}
	return nil
}

type noGrants struct{}

func (noGrants) HasAllDevices() bool { return false }

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, "/etc/zypak/helper.yaml", "~/.config/zypak/helper.yaml"),
		kong.Name("zypak-helper"),
		kong.Description("Wrapper and probe helper for the zypak sandbox shim."))

	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("path", complete.PredictFiles("*")))

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	closeLog := zylog.Init(zylog.Config{Level: cli.LogLevel})
	defer closeLog()
	slog.Debug("zypak-helper starting", "command", ctx.Command())

	if err := ctx.Run(&cli); err != nil {
		ctx.FatalIfErrorf(err)
	}
}
