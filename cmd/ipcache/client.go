package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/ipcache/client"
	"github.com/chazu/ipcache/transport"
)

func newClientCommand() *cobra.Command {
	var (
		listen string
		rounds int
		period time.Duration
	)
	clientCommand := &cobra.Command{
		Use:   "client",
		Short: "Run an interpreter and serve its profiles.",
		Long: `Runs a synthetic interpreter workload and serves the profiles it gathers
to compilation servers over the profile service.

The workload repeats every period until the command is interrupted. Methods
that get hot are marked compiled and stop gathering samples.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Client.Listen
			}

			w := newWorkload()
			svc := client.NewService(w.rt, w.prof)

			mux := http.NewServeMux()
			path, handler := transport.NewProfileServiceHandler(svc)
			mux.Handle(path, handler)
			srv := &http.Server{Addr: listen, Handler: mux}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go w.loop(ctx, rounds, period)

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			fmt.Printf("profile service listening on %s\n", listen)

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			st := w.prof.Stats()
			fmt.Printf("%d samples over %d points, %d methods compiled\n", st.Samples, st.Points, st.CompiledMethods)
			return nil
		},
	}
	clientCommand.Flags().StringVarP(&listen, "listen", "l", "", "Profile service listen address (default from config).")
	clientCommand.Flags().IntVar(&rounds, "rounds", 50, "Workload iterations per period.")
	clientCommand.Flags().DurationVar(&period, "period", time.Second, "Time between workload runs.")
	return clientCommand
}
