package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pmrt/streamhook/config"
	"github.com/pmrt/streamhook/helix"
	"github.com/pmrt/streamhook/reconciler"
	"github.com/pmrt/streamhook/service"
	l "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:   "streamhook",
		Short: "Twitch EventSub stream notifications to a message broker",
		Long: "streamhook keeps stream.online and stream.offline EventSub subscriptions " +
			"alive for one streamer and publishes every notification to a message broker.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Setup()
			return err
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the subscription reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			hx := service.NewHelix(cfg, nil, nil)
			defer hx.Close()

			res, err := service.NewReconciler(cfg, hx, nil).Reconcile(cmd.Context())
			if res != nil {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "ACCOUNT\t%s\n", res.AccountID)
				for _, typ := range reconciler.EventTypes {
					fmt.Fprintf(w, "%s\t%s\n", typ, res.States[typ])
				}
				fmt.Fprintf(w, "CREATED\t%d\nDELETED\t%d\nKEPT\t%d\n", res.Created, res.Deleted, res.Kept)
				w.Flush()
			}
			return err
		},
	})

	var all bool
	subsCmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "List the EventSub subscriptions of the streamer",
		RunE: func(cmd *cobra.Command, args []string) error {
			hx := service.NewHelix(cfg, nil, nil)
			defer hx.Close()

			subs, err := hx.Subscriptions(cmd.Context())
			if err != nil {
				return err
			}
			if !all {
				rc := service.NewReconciler(cfg, hx, nil)
				b, err := rc.Resolve(cmd.Context())
				if err != nil {
					return err
				}
				var owned []*helix.Subscription
				for _, typ := range reconciler.EventTypes {
					owned = append(owned, reconciler.Owned(subs, b.AccountID, typ)...)
				}
				subs = owned
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tBROADCASTER\tSTATUS\tAGE\tCALLBACK")
			for _, s := range subs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Type, s.BroadcasterID(), s.Status,
					time.Since(s.CreatedAt).Round(time.Minute), s.Callback(),
				)
			}
			return w.Flush()
		},
	}
	subsCmd.Flags().BoolVar(&all, "all", false, "list the subscriptions of every broadcaster")
	rootCmd.AddCommand(subsCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	l := l.With().
		Str("context", "app").
		Logger()

	l.Info().Msg("starting server")
	s, err := service.New(cfg)
	if err != nil {
		l.Error().Err(err).Msg("couldn't set up the service")
		return err
	}
	if err := s.Run(ctx); err != nil {
		l.Error().Err(err).Msg("server stopped with errors")
		return err
	}
	return nil
}
