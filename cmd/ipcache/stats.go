package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/chazu/ipcache/server"
)

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <server-url>",
		Short: "Print a compilation server's query statistics.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			res, err := server.NewStatsClient(http.DefaultClient, args[0]).GetStats(cmd.Context())
			if err != nil {
				return err
			}
			st := res.Stats
			fmt.Printf("sessions           %d\n", res.Sessions)
			fmt.Printf("cache hits         %d\n", st.CacheHits)
			fmt.Printf("remote requests    %d\n", st.RemoteRequests)
			fmt.Printf("not cacheable      %d\n", st.NotCacheable)
			fmt.Printf("empty              %d\n", st.Empty)
			fmt.Printf("caching failures   %d\n", st.CachingFailures)
			if st.Validations > 0 {
				fmt.Printf("validations        %d (%d mismatches, %d failures)\n",
					st.Validations, st.ValidationMismatch, st.ValidationFailures)
			}
			return nil
		},
	}
}
