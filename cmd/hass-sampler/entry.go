package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/jkaflik/hass-sampler/internal/api"
	"github.com/jkaflik/hass-sampler/internal/entry"
)

var apiAddr string

var entryCmd = &cobra.Command{
	Use:   "entry",
	Short: "Manage sampler config entries of a running service",
}

var entryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List config entries and their current state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}

		entries, err := client.ListEntries(cmd.Context())
		if err != nil {
			return err
		}

		return printEntries(cmd.OutOrStdout(), entries)
	},
}

var (
	addName     string
	addEntityID string
	addPeriod   int
)

var entryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a sampler for a sensor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}

		e, err := client.CreateEntry(cmd.Context(), entry.CreateInput{
			Name:     addName,
			EntityID: addEntityID,
			Period:   addPeriod,
		})
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), e)
	},
}

var entryShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a config entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}

		e, err := client.GetEntry(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), e)
	},
}

var entrySetPeriodCmd = &cobra.Command{
	Use:   "set-period <id> <seconds>",
	Short: "Change the sampling period of an entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		period, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid period %q: %w", args[1], err)
		}

		client, err := apiClient()
		if err != nil {
			return err
		}

		e, err := client.UpdateOptions(cmd.Context(), args[0], entry.OptionsInput{Period: period})
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), e)
	},
}

var entryRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove an entry and its sensor",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}

		if err := client.DeleteEntry(cmd.Context(), args[0]); err != nil {
			return err
		}

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
		return err
	},
}

func init() {
	entryCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API address, defaults to api.listen of the configuration")

	entryAddCmd.Flags().StringVar(&addName, "name", "", "name of the new sensor")
	entryAddCmd.Flags().StringVar(&addEntityID, "entity", "", "source sensor, entity ID or entity registry ID")
	entryAddCmd.Flags().IntVar(&addPeriod, "period", 60, "sampling period in seconds")
	_ = entryAddCmd.MarkFlagRequired("name")
	_ = entryAddCmd.MarkFlagRequired("entity")

	entryCmd.AddCommand(entryListCmd, entryAddCmd, entryShowCmd, entrySetPeriodCmd, entryRemoveCmd)
}

func apiClient() (*api.Client, error) {
	if apiAddr != "" {
		return api.NewClient(apiAddr), nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.API.Listen), nil
}

func printEntries(out io.Writer, entries []api.EntryResponse) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSOURCE\tPERIOD\tSTATE\tLAST SAMPLE")

	for _, e := range entries {
		state, lastSample := "-", "-"
		if e.State != nil {
			state = e.State.StateString()
			if e.State.LastSample != nil {
				lastSample = e.State.LastSample.Format("2006-01-02 15:04:05")
			}
			if e.State.Unit != "" && e.State.Value != nil && e.State.Available {
				state += " " + e.State.Unit
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%s\t%s\n",
			e.ID, e.Title, e.Options.EntityID, e.Options.Period, state, lastSample)
	}

	return w.Flush()
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
