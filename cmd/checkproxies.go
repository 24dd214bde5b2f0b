package cmd

import (
	"errors"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/warcscan/internal/proxy"
)

// newCheckProxiesCmd creates the 'check-proxies' subcommand, which
// probes every configured proxy against the archive host and prints a
// health table.
func newCheckProxiesCmd() *cobra.Command {
	var (
		testURL        string
		timeoutSeconds int
	)

	cmd := &cobra.Command{
		Use:   "check-proxies",
		Short: "Probe each configured proxy against the archive host",

		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if len(rt.Config.Proxies) == 0 {
				return errors.New("no proxies configured")
			}

			checker := proxy.NewChecker(testURL, time.Duration(timeoutSeconds)*time.Second, rt.Logger)
			results := checker.CheckAll(cmd.Context(), rt.Config.Proxies)

			rows := pterm.TableData{{"Name", "Endpoint", "Egress IP", "Status", "Elapsed", "Error"}}
			healthy := 0
			for _, res := range results {
				if res.OK {
					healthy++
				}
				rows = append(rows, []string{
					res.Descriptor.Name,
					res.Descriptor.URL(),
					res.Descriptor.EgressIP,
					res.Status,
					res.Elapsed.Round(time.Millisecond).String(),
					res.Error,
				})
			}
			if err := pterm.DefaultTable.WithHasHeader(true).WithData(rows).Render(); err != nil {
				return err
			}

			if healthy == 0 {
				pterm.Error.Printfln("0/%d proxies reachable", len(results))
				return errors.New("no proxies are reachable")
			}
			pterm.Success.Printfln("%d/%d proxies reachable", healthy, len(results))
			return nil
		},
	}

	cmd.Flags().StringVar(&testURL, "test-url", "", "URL to probe through each proxy (default: a small archive object)")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 10, "per-proxy probe timeout in seconds")

	return cmd
}
