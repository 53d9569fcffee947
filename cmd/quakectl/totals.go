package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/darkden-lab/quakewatch/internal/aggregator"
)

func newTotalsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "totals",
		Short: "Show per-region disposition totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			var totals map[string]aggregator.RegionStats
			if err := getJSON(cmd.Context(), server+"/regions/totals", &totals); err != nil {
				return fmt.Errorf("failed to fetch totals: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(totals)
			}

			regions := make([]string, 0, len(totals))
			for r := range totals {
				regions = append(regions, r)
			}
			sort.Strings(regions)

			fmt.Fprintf(out, "%-20s  %8s  %8s  %9s\n", "REGION", "INTEREST", "IGNORED", "PUBLISHED")
			for _, r := range regions {
				st := totals[r]
				fmt.Fprintf(out, "%-20s  %8d  %8d  %9d\n", r, st.InterestCount, st.IgnoredCount, st.PublishedCount)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw totals, samples included")
	return cmd
}

func newRegionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "List regions known to the aggregator",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Regions []string `json:"regions"`
			}
			if err := getJSON(cmd.Context(), server+"/regions", &resp); err != nil {
				return fmt.Errorf("failed to fetch regions: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(resp.Regions) == 0 {
				fmt.Fprintln(out, "No regions known.")
				return nil
			}
			for _, r := range resp.Regions {
				fmt.Fprintln(out, r)
			}
			return nil
		},
	}
}

func getJSON(ctx context.Context, url string, v interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
