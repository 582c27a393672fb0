/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/blacktop/xgate/internal/config"
	"github.com/blacktop/xgate/internal/ratelimit"
)

func newLimitsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show persisted rate-limit usage",
		Args:  cobra.NoArgs,
		RunE:  runLimits,
	}
}

func runLimits(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg.State)
	if err != nil {
		return fmt.Errorf("open rate-limit state: %w", err)
	}
	defer store.Close()

	st, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load rate-limit state: %w", err)
	}

	platforms := make([]string, 0, len(ratelimit.DefaultWindows))
	for p := range ratelimit.DefaultWindows {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	now := time.Now()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-9s %8s %10s\n", "PLATFORM", "USED", "WINDOW")
	for _, p := range platforms {
		w := ratelimit.DefaultWindows[p]
		used := 0
		for _, ts := range st.PlatformWindows[p] {
			if now.Sub(time.UnixMilli(ts)) < w.Window {
				used++
			}
		}
		fmt.Fprintf(out, "%-9s %4d/%-3d %10s\n", p, used, w.MaxRequests, w.Window)
	}

	month := now.UTC().Format("2006-01")
	count := 0
	if st.XMonthly.Month == month {
		count = st.XMonthly.Count
	}
	fmt.Fprintf(out, "\n%s monthly posts (%s): %d/%d\n", ratelimit.QuotaPlatform, month, count, cfg.TwitterMonthlyCap)
	return nil
}
