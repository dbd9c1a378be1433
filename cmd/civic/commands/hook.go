package commands

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/civicstack/civic/internal/config"
	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// HookCmd groups hook inspection and toggling.
type HookCmd struct {
	List    HookListCmd    `cmd:"" help:"List configured hook bindings"`
	Enable  HookEnableCmd  `cmd:"" help:"Enable an event"`
	Disable HookDisableCmd `cmd:"" help:"Disable an event"`
	Config  HookConfigCmd  `cmd:"" help:"Show one event's binding"`
	Logs    HookLogsCmd    `cmd:"" help:"Show recent hook dispatches"`
}

// HookListCmd prints every configured event and its state.
type HookListCmd struct{}

func (cmd *HookListCmd) Run(g *Global) error {
	c, err := g.Container()
	if err != nil {
		return err
	}
	hooks := c.Config.Hooks.Hooks

	names := make([]string, 0, len(hooks))
	for name := range hooks {
		names = append(names, name)
	}
	sort.Strings(names)

	type line struct {
		Event       string `json:"event"`
		Enabled     bool   `json:"enabled"`
		Subscribers int    `json:"subscribers"`
	}
	out := make([]line, 0, len(names))
	for _, name := range names {
		binding := hooks[name]
		out = append(out, line{Event: name, Enabled: binding.IsEnabled(), Subscribers: len(binding.Subscribers)})
	}
	return g.Print(out, func() {
		for _, l := range out {
			state := "enabled"
			if !l.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-32s %-8s %d subscriber(s)\n", l.Event, state, l.Subscribers)
		}
		if len(out) == 0 {
			fmt.Println("No hooks configured; all events dispatch by default.")
		}
	})
}

// HookEnableCmd turns an event on.
type HookEnableCmd struct {
	Event string `arg:"" help:"Event name, e.g. record:created"`
}

func (cmd *HookEnableCmd) Run(g *Global) error {
	return setHookEnabled(g, cmd.Event, true)
}

// HookDisableCmd turns an event off. Disabled emissions are still
// recorded in the activity mirror as suppressed.
type HookDisableCmd struct {
	Event string `arg:"" help:"Event name, e.g. record:created"`
}

func (cmd *HookDisableCmd) Run(g *Global) error {
	return setHookEnabled(g, cmd.Event, false)
}

// setHookEnabled rewrites .civic/hooks.yml. The running daemon picks
// the change up through its config watcher.
func setHookEnabled(g *Global, event string, enabled bool) error {
	c, err := g.Container()
	if err != nil {
		return err
	}
	path := c.Config.Manifest.CivicPath(config.HooksFile)
	cfg, err := config.LoadHooks(path)
	if err != nil {
		return err
	}
	if cfg.Hooks == nil {
		cfg.Hooks = map[string]config.HookBinding{}
	}
	binding := cfg.Hooks[event]
	binding.Enabled = &enabled
	cfg.Hooks[event] = binding

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryConfig, "serialize hooks config").Build()
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "write hooks config").
			WithContext("path", path).Build()
	}

	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	g.printf("%s %s\n", event, state)
	return g.Print(map[string]any{"success": true, "event": event, "enabled": enabled}, nil)
}

// HookConfigCmd shows one event's full binding.
type HookConfigCmd struct {
	Event string `arg:"" help:"Event name"`
}

func (cmd *HookConfigCmd) Run(g *Global) error {
	c, err := g.Container()
	if err != nil {
		return err
	}
	binding, ok := c.Config.Hooks.Hooks[cmd.Event]
	if !ok {
		return ferrors.NotFound("event has no explicit binding").
			WithContext("event", cmd.Event).Build()
	}
	return g.Print(binding, func() {
		data, err := yaml.Marshal(map[string]config.HookBinding{cmd.Event: binding})
		if err == nil {
			fmt.Print(string(data))
		}
	})
}

// HookLogsCmd reads the activity mirror filtered to hook dispatches.
type HookLogsCmd struct {
	Event string `help:"Filter by event name"`
	Limit int    `help:"Maximum entries" default:"50"`
}

func (cmd *HookLogsCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	entries, err := c.DB.QueryActivity(ctx, db.ActivityFilter{
		Action: "hook:dispatch", Limit: cmd.Limit,
	})
	if err != nil {
		return err
	}
	if cmd.Event != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Metadata["event"] == cmd.Event {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	return g.Print(entries, func() {
		for _, e := range entries {
			handler, _ := e.Metadata["handler"].(string)
			event, _ := e.Metadata["event"].(string)
			fmt.Printf("%s  %-28s %-12s %s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"), event, handler, e.Result)
		}
		fmt.Printf("%d dispatch entries\n", len(entries))
	})
}
