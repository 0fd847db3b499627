package check

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kfsoftware/hacollect/pkg/config"
	"github.com/kfsoftware/hacollect/pkg/hub"
)

type checkCmd struct {
	configDir string
}

func (c *checkCmd) validate() error {
	return nil
}

func (c *checkCmd) run() error {
	cfg, err := config.LoadDir(c.configDir)
	if err != nil {
		return err
	}
	if err := cfg.ValidateHub(); err != nil {
		return err
	}
	client := hub.NewClient(cfg.Hub.URL, cfg.Hub.Token)
	instance, err := client.Config(context.Background())
	if err != nil {
		return err
	}
	fmt.Println("Connected to the hub")
	fmt.Printf("  Location: %s\n", instance.LocationName)
	fmt.Printf("  Version:  %s\n", instance.Version)
	return nil
}

func NewCheckCmd() *cobra.Command {
	c := &checkCmd{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "test the REST API connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.configDir, "config-dir", "", "config", "Directory containing config.yaml and secrets.yaml")
	return cmd
}
