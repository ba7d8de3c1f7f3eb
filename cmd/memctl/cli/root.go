// Package cli implements the memctl commands. Every command prints JSON on
// stdout; logs go to stderr.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/go-memory/src/adk"
	"github.com/Protocol-Lattice/go-memory/src/config"
	"github.com/Protocol-Lattice/go-memory/src/memory"
)

const rootLongDesc string = `memctl stores, searches and prunes long-term memories.

Configuration is read from --config, or memory.toml in the working directory
or ~/.memory, and can be overridden with MEMORY_ environment variables:
  MEMORY_LLM_PROVIDER=anthropic memctl add --user alice "I moved to Lisbon"
  memctl search --user alice "where does she live"
  memctl prune --user alice --dry-run`

// commander carries the state shared by every subcommand of one invocation.
type commander struct {
	configFile string
	scope      memory.Scope
	debug      bool

	kit *adk.Kit

	// kitOptions are appended when the kit is built; tests inject
	// components here.
	kitOptions []adk.Option
}

// NewRootCmd builds the memctl command tree.
func NewRootCmd(opts ...adk.Option) *cobra.Command {
	c := &commander{kitOptions: opts}

	cmd := &cobra.Command{
		Use:          "memctl",
		Short:        "Manage long-term agent memories",
		Long:         rootLongDesc,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&c.configFile, "config", "c", "", "Config file (toml, yaml or json)")
	pf.StringVarP(&c.scope.UserID, "user", "u", "", "User id of the memory scope")
	pf.StringVarP(&c.scope.AgentID, "agent", "a", "", "Agent id of the memory scope")
	pf.StringVarP(&c.scope.RunID, "run", "r", "", "Run id of the memory scope")
	pf.BoolVarP(&c.debug, "debug", "d", false, "Enable debug logging")
	pf.String("vector-store", "", "Vector store provider: memory|qdrant|postgres|mongo|neo4j")
	pf.String("llm", "", "LLM provider: openai|anthropic|gemini|ollama|none")

	cmd.AddCommand(
		newAddCmd(c),
		newSearchCmd(c),
		newGetCmd(c),
		newListCmd(c),
		newHistoryCmd(c),
		newUpdateCmd(c),
		newDeleteCmd(c),
		newDeleteAllCmd(c),
		newPruneCmd(c),
	)
	return cmd
}

// open loads config with flag overrides and builds the kit.
func (c *commander) open(cmd *cobra.Command) (*memory.Memory, error) {
	v, err := config.InitViper(c.configFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"vector_store.provider": "vector-store",
		"llm.provider":          "llm",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	if c.debug {
		v.Set("log.level", "debug")
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	kit, err := adk.New(cmd.Context(), cfg, c.kitOptions...)
	if err != nil {
		return nil, err
	}
	c.kit = kit
	return kit.Memory(), nil
}

func (c *commander) close() error {
	if c.kit == nil {
		return nil
	}
	err := c.kit.Close()
	c.kit = nil
	return err
}

// requireScope rejects commands that would touch every scope.
func (c *commander) requireScope() error {
	if c.scope.IsEmpty() {
		return errors.New("one of --user, --agent or --run is required")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// withMemory opens the memory, runs fn and prints its result.
func (c *commander) withMemory(cmd *cobra.Command, fn func(ctx context.Context, mem *memory.Memory) (any, error)) error {
	mem, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.close() }()
	out, err := fn(cmd.Context(), mem)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}
