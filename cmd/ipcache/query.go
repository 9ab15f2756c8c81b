package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/ipcache/config"
	"github.com/chazu/ipcache/profile"
	"github.com/chazu/ipcache/server"
)

func newServer(cfg *config.Config) *server.Server {
	return server.New(
		server.WithCacheOptions(server.CacheOptions{
			Disable:  cfg.Cache.Disable,
			Validate: cfg.Cache.Validate,
		}),
		server.WithSessionOptions(server.SessionOptions{
			PerCompilationCapacity: cfg.Cache.PerCompilationCapacity,
		}),
		server.WithIdleTimeout(cfg.Session.IdleTimeout.Duration, cfg.Session.SweepInterval.Duration),
	)
}

func newQueryCommand() *cobra.Command {
	var (
		method    uint64
		pc        uint32
		compiling uint64
		compiled  bool
		start     uint64
		fanin     bool
		repeat    int
	)
	queryCommand := &cobra.Command{
		Use:   "query <client-url>",
		Short: "Query one program point from a client.",
		Long: `Opens a session on the client, begins a compilation and queries the
profile of one program point, then prints the answer and the cache counters.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s := newServer(cfg)
			defer s.Stop()

			sess := s.ConnectRemote("query", args[0])
			m := profile.MethodID(method)
			if compiled || start != 0 {
				sess.UpdateMethodState(m, server.MethodState{Compiled: compiled, Start: start})
			}

			cctx := sess.BeginCompilation(profile.MethodID(compiling))
			defer cctx.End()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			for i := 0; i < repeat; i++ {
				e, err := s.Cache().Query(ctx, cctx, m, pc)
				if err != nil {
					return err
				}
				if e == nil {
					fmt.Printf("%s@%d: no data\n", m, pc)
					continue
				}
				printEntry(e)
			}

			if fanin {
				summary, err := s.Cache().QueryFanin(ctx, cctx, m)
				if err != nil {
					return err
				}
				printFanin(m, summary)
			}

			st := s.Cache().Stats()
			fmt.Printf("hits %d, remote %d, not cacheable %d, empty %d, caching failures %d\n",
				st.CacheHits, st.RemoteRequests, st.NotCacheable, st.Empty, st.CachingFailures)
			return nil
		},
	}
	queryCommand.Flags().Uint64VarP(&method, "method", "m", 1, "Method to query.")
	queryCommand.Flags().Uint32VarP(&pc, "pc", "p", 0, "Program point within the method.")
	queryCommand.Flags().Uint64Var(&compiling, "compiling", 0, "Method the compilation is for (0: none).")
	queryCommand.Flags().BoolVar(&compiled, "compiled", false, "Treat the method as compiled on the client.")
	queryCommand.Flags().Uint64Var(&start, "start", 0, "Current start address of the method (0: unknown).")
	queryCommand.Flags().BoolVar(&fanin, "fanin", false, "Also query the method's fanin summary.")
	queryCommand.Flags().IntVarP(&repeat, "repeat", "n", 1, "Number of times to query.")
	return queryCommand
}

func newServerCommand() *cobra.Command {
	var (
		methods []uint
		maxPC   uint32
		period  time.Duration
		listen  string
	)
	serverCommand := &cobra.Command{
		Use:   "server <client-url>",
		Short: "Compile a client's methods repeatedly and serve cache statistics.",
		Long: `Opens a session on the client and compiles the given methods every period,
querying every program point up to --max-pc. Query statistics are served
over the stats service until the command is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Server.Listen
			}
			s := newServer(cfg)
			defer s.Stop()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- s.ListenAndServe(listen) }()

			sess := s.ConnectRemote("server", args[0])
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			for {
				for _, id := range methods {
					if err := compileOnce(ctx, s, sess, profile.MethodID(id), maxPC); err != nil {
						log.Warningf("compilation of %s abandoned: %v", profile.MethodID(id), err)
					}
				}
				select {
				case <-ticker.C:
				case err := <-errc:
					return err
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	serverCommand.Flags().UintSliceVar(&methods, "methods", []uint{1, 2}, "Methods to compile.")
	serverCommand.Flags().Uint32Var(&maxPC, "max-pc", 8, "Highest program point queried per method.")
	serverCommand.Flags().DurationVar(&period, "period", 5*time.Second, "Time between compilation rounds.")
	serverCommand.Flags().StringVarP(&listen, "listen", "l", "", "Stats service listen address (default from config).")
	return serverCommand
}

func compileOnce(ctx context.Context, s *server.Server, sess *server.ClientSession, m profile.MethodID, maxPC uint32) error {
	cctx := sess.BeginCompilation(m)
	defer cctx.End()
	for pc := uint32(0); pc <= maxPC; pc++ {
		if _, err := s.Cache().Query(ctx, cctx, m, pc); err != nil {
			return err
		}
	}
	_, err := s.Cache().QueryFanin(ctx, cctx, m)
	return err
}

func printEntry(e *profile.Entry) {
	switch e.Kind {
	case profile.KindBranch:
		fmt.Printf("%s: taken %d, not taken %d\n", e, e.Branch.Taken, e.Branch.NotTaken)
	case profile.KindSwitch:
		fmt.Printf("%s: counts %v\n", e, e.Switch.Counts)
	case profile.KindCallGraph:
		fmt.Printf("%s:", e)
		for _, r := range e.CallGraph.Receivers {
			fmt.Printf(" %s=%d", r.Class, r.Weight)
		}
		fmt.Printf(" residue=%d\n", e.CallGraph.Residue)
	}
}

func printFanin(m profile.MethodID, s *profile.FaninSummary) {
	if s == nil {
		fmt.Printf("%s: no callers recorded\n", m)
		return
	}
	fmt.Printf("%s: %d samples, %d from untracked callers\n", m, s.TotalSamples, s.SamplesOther)
	for _, c := range s.Callers {
		fmt.Printf("  %s@%d: %d\n", c.Caller, c.PC, c.Weight)
	}
}
