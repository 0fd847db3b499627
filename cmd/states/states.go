package states

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/kfsoftware/hacollect/pkg/config"
	"github.com/kfsoftware/hacollect/pkg/hub"
)

type statesCmd struct {
	configDir string
	domain    string
	energy    bool
}

func (c *statesCmd) validate() error {
	return nil
}

func (c *statesCmd) run() error {
	cfg, err := config.LoadDir(c.configDir)
	if err != nil {
		return err
	}
	if err := cfg.ValidateHub(); err != nil {
		return err
	}
	client := hub.NewClient(cfg.Hub.URL, cfg.Hub.Token)
	ctx := context.Background()

	var states []hub.EntityState
	switch {
	case c.energy:
		states, err = client.EnergyEntities(ctx)
	case c.domain != "":
		states, err = client.EntitiesByDomain(ctx, c.domain)
	default:
		states, err = client.States(ctx)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(states)
}

func NewStatesCmd() *cobra.Command {
	c := &statesCmd{}
	cmd := &cobra.Command{
		Use:   "states",
		Short: "dump live entity states from the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.configDir, "config-dir", "", "config", "Directory containing config.yaml and secrets.yaml")
	persistentFlags.StringVarP(&c.domain, "domain", "", "", "Only entities of this domain, e.g. sensor")
	persistentFlags.BoolVarP(&c.energy, "energy", "", false, "Only energy-related entities")
	return cmd
}
