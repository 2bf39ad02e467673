// Embark Demo - sample bootstrap binary
//
// Boots a small application through the Embark runner and demonstrates
// the failure pipeline: reporters, the failure journal, exit-code
// resolution, and lifecycle events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/embarklabs/embark/pkg/app"
	"github.com/embarklabs/embark/pkg/apperr"
	"github.com/embarklabs/embark/pkg/config"
	"github.com/embarklabs/embark/pkg/failure"
)

var (
	version = "0.1.0"
)

type cliConfig struct {
	configPath string
	mode       string
	exitCode   int
	journal    string
	version    bool
	help       bool
}

func parseFlags() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.configPath, "config", "", "Path to embark.toml (optional)")
	flag.StringVar(&cfg.mode, "mode", "fail", "Demo mode: ok, fail, panic, exit-code")
	flag.IntVar(&cfg.exitCode, "code", 0, "Exit code attached to the demo failure (exit-code mode)")
	flag.StringVar(&cfg.journal, "journal", "", "Failure journal database path (enables journaling)")
	flag.BoolVar(&cfg.version, "version", false, "Print version and exit")
	flag.BoolVar(&cfg.help, "help", false, "Print help and exit")
	flag.Parse()
	return cfg
}

func printVersion() {
	fmt.Printf("embark-demo %s\n", version)
}

func printHelp() {
	fmt.Println("embark-demo - Embark bootstrap failure pipeline demo")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  embark-demo [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Modes:")
	fmt.Println("  ok         component finishes cleanly")
	fmt.Println("  fail       component returns an error")
	fmt.Println("  panic      component panics with a plain value")
	fmt.Println("  exit-code  component fails with an attached exit code")
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))
)

func main() {
	cliCfg := parseFlags()

	if cliCfg.version {
		printVersion()
		return
	}
	if cliCfg.help {
		printHelp()
		return
	}

	cfg := config.LoadOrDie(cliCfg.configPath)
	cfg.App.Name = "embark-demo"
	if cliCfg.journal != "" {
		cfg.Journal.Enabled = true
		cfg.Journal.Path = cliCfg.journal
	}

	runner, err := app.NewRunner(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build runner: %v\n", err)
		os.Exit(1)
	}
	defer runner.Close()

	stop := runner.Hooks().InstallSignalHandler()
	defer stop()

	runner.AddComponent(demoComponent(cliCfg))
	runner.AddListener(failureListener{})
	runner.AddExitHandler(failure.ExitCodeHandlerFunc(func(err error) int {
		// Stable code for configuration rejections, everything else
		// defers to the cause chain
		if errors.Is(err, config.ErrInvalidConfig) {
			return 78
		}
		return 0
	}))

	if err := runner.Run(context.Background()); err != nil {
		printFailureSummary(runner, err)
		os.Exit(1)
	}

	fmt.Println(labelStyle.Render("demo finished cleanly"))
}

func demoComponent(cliCfg cliConfig) app.Component {
	return app.ComponentFunc{
		ComponentName: "demo-worker",
		Fn: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}

			switch cliCfg.mode {
			case "ok":
				return nil
			case "panic":
				panic("demo worker gave up")
			case "exit-code":
				code := cliCfg.exitCode
				if code == 0 {
					code = 42
				}
				return apperr.WithExitCode(errors.New("demo worker requested termination"), code)
			default:
				return errors.New("demo worker failed")
			}
		},
	}
}

type failureListener struct{}

func (failureListener) Failed(ctx failure.ApplicationContext, err error) {
	contextID := ""
	if ctx != nil {
		contextID = ctx.ID()
	}
	fmt.Printf("listener: run failed (context %s): %v\n", contextID, err)
}

func printFailureSummary(runner *app.Runner, err error) {
	var lines string
	lines += titleStyle.Render("application run failed") + "\n"
	lines += labelStyle.Render("error: ") + err.Error() + "\n"

	if e, ok := err.(*apperr.Error); ok {
		lines += labelStyle.Render("kind: ") + string(e.Kind) + "\n"
		lines += labelStyle.Render("id: ") + e.ID + "\n"
	}

	if store := runner.Journal(); store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if records, jerr := store.Recent(ctx, 3); jerr == nil && len(records) > 0 {
			lines += labelStyle.Render("journal: ") +
				fmt.Sprintf("%d recent failure(s), latest %q", len(records), records[0].Message) + "\n"
		}
	}

	fmt.Println(boxStyle.Render(lines))
}
