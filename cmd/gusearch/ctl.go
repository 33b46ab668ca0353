package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zde37/gusearch/internal/config"
	"github.com/zde37/gusearch/internal/transport"
	"github.com/zde37/gusearch/pkg"
)

func newCtlCommand(v *viper.Viper) *cobra.Command {
	var (
		address string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Drive a running node over its gRPC operator port",
	}
	cmd.PersistentFlags().StringVar(&address, "addr", "127.0.0.1:9090", "Operator address of the node")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Per call timeout")

	dial := func() (*transport.OperatorClient, error) {
		logCfg := pkg.DefaultConfig()
		logCfg.Level = v.GetString(config.KeyLogLevel)
		logCfg.Format = v.GetString(config.KeyLogFormat)
		logger, err := pkg.New(logCfg)
		if err != nil {
			return nil, err
		}
		return transport.NewOperatorClient(address, v.GetString(config.KeyAuthToken), timeout, logger)
	}

	execCmd := &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Run one command on the node, e.g. ctl exec search 2 chord ring",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			out, err := client.Execute(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Print the node's ring state as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			state, err := client.RingState(cmd.Context())
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.AddCommand(execCmd, stateCmd)
	return cmd
}
