package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	controlroomsdk "controlroom/sdk/go"
)

func remoteCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "remote",
		Short: "Query a running controlroom server",
	}
	r.PersistentFlags().String("url", "http://127.0.0.1:8080", "server base URL")
	r.PersistentFlags().String("token", "", "bearer token")
	r.PersistentFlags().String("api-key", "", "API key")
	_ = viper.BindPFlag("url", r.PersistentFlags().Lookup("url"))
	_ = viper.BindPFlag("token", r.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("api-key", r.PersistentFlags().Lookup("api-key"))
	r.AddCommand(remoteReadinessCmd())
	r.AddCommand(remoteBudgetCmd())
	return r
}

func remoteClient() (*controlroomsdk.Client, error) {
	projectID := strings.TrimSpace(viper.GetString("project"))
	if projectID == "" {
		return nil, fmt.Errorf("project not specified; use --project")
	}
	c := controlroomsdk.New(viper.GetString("url"), projectID)
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	c.ActorID = viper.GetString("actor-id")
	return c, nil
}

func remoteReadinessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readiness",
		Short: "Show a project's live readiness board",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient()
			if err != nil {
				return err
			}
			v, err := c.Readiness(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(v)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Category", "Status", "Pass", "Fail", "Warn", "Total"})
			for _, cat := range v.Categories {
				tw.AppendRow(table.Row{cat.Name, cat.Status, cat.Passed, cat.Failed, cat.Warned, cat.Total})
			}
			tw.Render()
			status := color.GreenString(strings.ToUpper(v.Verdict.Status))
			if v.Verdict.Status != "ready" {
				status = color.New(color.FgRed, color.Bold).Sprint(strings.ToUpper(v.Verdict.Status))
			}
			fmt.Fprintf(os.Stdout, "Verdict: %s  %d%%, %d critical remaining\n", status, v.Verdict.Percentage, v.Verdict.CriticalRemaining)
			for _, r := range v.Verdict.Reasons {
				fmt.Fprintf(os.Stdout, "  - %s\n", r)
			}
			return nil
		},
	}
}

func remoteBudgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show a project's budget status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient()
			if err != nil {
				return err
			}
			st, err := c.Budget(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Fprintf(os.Stdout, "Budget: %s  total spend %.2f\n", strings.ToUpper(st.Level), st.Usage.Total)
			tw := newTable()
			tw.AppendHeader(table.Row{"Scope", "Target", "Spent", "Budget", "Used", "Level"})
			for _, s := range st.Scopes {
				tw.AppendRow(table.Row{s.Scope, s.Target, fmt.Sprintf("%.2f", s.Spent), fmt.Sprintf("%.2f", s.Budget), fmt.Sprintf("%d%%", s.Percent), s.Level})
			}
			tw.Render()
			return nil
		},
	}
}
