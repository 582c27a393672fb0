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
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/blacktop/xgate/internal/config"
	"github.com/blacktop/xgate/internal/gateway"
)

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [platform...]",
		Short: "Check platform credentials without publishing",
		Long:  "verify checks each platform connection concurrently. With no arguments every supported platform is checked.",
		Example: `  xgate verify
  xgate verify bluesky mastodon`,
		RunE: runVerify,
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	deps, err := buildGateway(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer closeQuietly(deps)

	platforms := deps.dispatcher.Supported()
	if len(args) > 0 {
		platforms = platforms[:0:0]
		for _, raw := range args {
			p, ok := gateway.ParsePlatform(raw)
			if !ok {
				return fmt.Errorf("unknown platform %q", raw)
			}
			platforms = append(platforms, p)
		}
	}

	results := make([]gateway.VerifyResult, len(platforms))
	var wg sync.WaitGroup
	for i, p := range platforms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = deps.dispatcher.Verify(ctx, p)
		}()
	}
	wg.Wait()

	out := cmd.OutOrStdout()
	var errs []error
	for _, res := range results {
		if res.Valid {
			fmt.Fprintf(out, "%-9s ok   %s\n", res.Platform, res.AccountName)
			continue
		}
		fmt.Fprintf(out, "%-9s FAIL %s\n", res.Platform, res.Error)
		errs = append(errs, fmt.Errorf("%s: %s", res.Platform, res.Error))
	}
	return errors.Join(errs...)
}
