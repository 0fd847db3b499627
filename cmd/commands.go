package cmd

import (
	"github.com/kfsoftware/hacollect/cmd/check"
	"github.com/kfsoftware/hacollect/cmd/collect"
	"github.com/kfsoftware/hacollect/cmd/states"
	"github.com/kfsoftware/hacollect/cmd/tunnel"
	"github.com/spf13/cobra"
)

const (
	hacollectDesc = `
hacollect pulls telemetry out of a home-automation hub over two paths:
the hub's REST API for live states, and the recorder database reached
through a supervised SSH tunnel for bulk history and statistics.
Detailed help for each command is available with 'hacollect help <command>'.
`
)

func NewCmdHacollect() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hacollect",
		Short: "collect telemetry from a home-automation hub",
		Long:  hacollectDesc,
	}
	cmd.AddCommand(tunnel.NewTunnelCmd())
	cmd.AddCommand(collect.NewCollectCmd())
	cmd.AddCommand(check.NewCheckCmd())
	cmd.AddCommand(states.NewStatesCmd())

	return cmd
}
