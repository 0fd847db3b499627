package tunnel

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kfsoftware/hacollect/pkg/config"
	"github.com/kfsoftware/hacollect/pkg/tunnel"
)

type tunnelCmd struct {
	configDir string
	server    string
	adminAddr string
}

func (c *tunnelCmd) validate() error {
	return nil
}

func (c *tunnelCmd) run() error {
	cfg, err := config.LoadDir(c.configDir)
	if err != nil {
		return err
	}
	names := []string{c.server}
	if c.server == "" {
		names = cfg.ServerNames()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := tunnel.NewRegistry()
	defer registry.StopAll()
	for _, name := range names {
		tcfg, err := cfg.TunnelConfig(name)
		if err != nil {
			return err
		}
		ep, err := registry.Ensure(ctx, name, tcfg)
		if err != nil {
			return err
		}
		log.Info().Str("server", name).Str("endpoint", ep.String()).Msg("tunnel up")
	}

	go c.startAdminServer(registry)
	<-ctx.Done()
	log.Info().Msg("shutting down tunnels")
	return nil
}

func (c *tunnelCmd) startAdminServer(registry *tunnel.Registry) {
	r := gin.Default()
	r.GET("/tunnels", func(g *gin.Context) {
		g.JSON(http.StatusOK, registry.Status())
	})
	r.GET("/healthz", func(g *gin.Context) {
		for _, st := range registry.Status() {
			if st.State != tunnel.StateReady {
				g.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "degraded",
					"tunnel": st.Name,
				})
				return
			}
		}
		g.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if err := r.Run(c.adminAddr); err != nil {
		log.Error().Err(err).Msg("admin server stopped")
	}
}

func NewTunnelCmd() *cobra.Command {
	c := &tunnelCmd{}
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "run supervised SSH tunnels to the recorder database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.configDir, "config-dir", "", "config", "Directory containing config.yaml and secrets.yaml")
	persistentFlags.StringVarP(&c.server, "server", "", "", "Tunnel server name (all configured servers if empty)")
	persistentFlags.StringVarP(&c.adminAddr, "admin-addr", "", "127.0.0.1:8970", "Address for the tunnel status endpoint")
	return cmd
}
