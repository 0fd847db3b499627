package collect

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kfsoftware/hacollect/pkg/config"
	"github.com/kfsoftware/hacollect/pkg/recorder"
	"github.com/kfsoftware/hacollect/pkg/tunnel"
)

type collectCmd struct {
	configDir    string
	server       string
	out          string
	entity       string
	since        time.Duration
	statisticIDs []string
}

func (c *collectCmd) validate() error {
	return nil
}

func (c *collectCmd) run() error {
	cfg, err := config.LoadDir(c.configDir)
	if err != nil {
		return err
	}
	tcfg, err := cfg.TunnelConfig(c.server)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := tunnel.NewRegistry()
	defer registry.StopAll()
	name := c.server
	if name == "" {
		name = cfg.DefaultServer()
	}
	ep, err := registry.Ensure(ctx, name, tcfg)
	if err != nil {
		return err
	}
	log.Info().Str("endpoint", ep.String()).Msg("tunnel up, starting extraction")

	rec, err := recorder.Open(cfg.Recorder, ep)
	if err != nil {
		return err
	}
	defer rec.Close()

	snap, err := recorder.CreateSnapshot(c.out)
	if err != nil {
		return err
	}
	defer snap.Close()

	// a failed health check aborts the run; the supervisor already
	// spent its reconnect budget by the time it reports an error
	sup, _ := registry.Get(name)
	if err := sup.EnsureHealthy(ctx); err != nil {
		return err
	}

	since := time.Now().Add(-c.since)
	statesRows, err := rec.StatesSince(ctx, c.entity, since)
	if err != nil {
		return err
	}
	if err := snap.WriteStates(statesRows); err != nil {
		return err
	}

	if len(c.statisticIDs) > 0 {
		if err := sup.EnsureHealthy(ctx); err != nil {
			return err
		}
		meta, err := rec.StatisticsMetadata(ctx, c.statisticIDs)
		if err != nil {
			return err
		}
		stats, err := rec.Statistics(ctx, c.statisticIDs, since, time.Time{})
		if err != nil {
			return err
		}
		var rows []recorder.Statistic
		for _, series := range stats {
			rows = append(rows, series...)
		}
		if err := snap.WriteStatistics(meta, rows); err != nil {
			return err
		}
	}

	log.Info().
		Int("states", len(statesRows)).
		Str("snapshot", c.out).
		Msg("extraction finished")
	return nil
}

func NewCollectCmd() *cobra.Command {
	c := &collectCmd{}
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "extract recorder history over the tunnel into a local snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.configDir, "config-dir", "", "config", "Directory containing config.yaml and secrets.yaml")
	persistentFlags.StringVarP(&c.server, "server", "", "", "Tunnel server name (default server if empty)")
	persistentFlags.StringVarP(&c.out, "out", "", "snapshot.db", "Path of the sqlite snapshot to write")
	persistentFlags.StringVarP(&c.entity, "entity", "", "", "Only extract states for this entity id")
	persistentFlags.DurationVarP(&c.since, "since", "", 24*time.Hour, "How far back to extract")
	persistentFlags.StringSliceVarP(&c.statisticIDs, "statistic", "", nil, "Statistic ids to extract (repeatable)")
	return cmd
}
