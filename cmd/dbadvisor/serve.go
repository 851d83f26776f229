package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/dbadvisor/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the status API and the run scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.store == nil {
				return fmt.Errorf("serve requires storage.postgres")
			}

			trigger := server.NewBackgroundTrigger(ctx, func(ctx context.Context, runID string, maxRounds int) error {
				loop, err := a.newLoop(ctx, runOptions{RunID: runID, MaxRounds: maxRounds})
				if err != nil {
					return err
				}
				_, err = loop.Run(ctx)
				return err
			}, nil)
			defer trigger.Wait()

			srvCfg := a.cfg.Server
			if srvCfg.Schedule != "" {
				sched := &server.Scheduler{
					Spec:    srvCfg.Schedule,
					Rounds:  srvCfg.ScheduleRounds,
					LockTTL: srvCfg.LockTTL,
					Store:   a.store,
					Rdb:     a.rdb,
					Trigger: trigger,
				}
				sched.Start(ctx)
			}

			if addr == "" {
				addr = srvCfg.Address
			}
			e := server.New(srvCfg, a.store, trigger, nil)
			return server.Serve(ctx, e, addr, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	return cmd
}
