package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/cdx"
)

// newSearchCmd creates and configures the 'search' subcommand. It turns
// index captures into ranged work items and feeds them through the same
// pipeline the scan command uses.
func newSearchCmd() *cobra.Command {
	var (
		pattern     string
		domainsFile string
		index       string
		matchType   string
		limit       int
		status      string
		from        string
		to          string
		workers     int
		rps         float64
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the crawl index and scan the matching captures",
		Long: `Queries the Common Crawl CDX index for captures matching a URL
pattern (or each domain in a file), converts the hits into byte-range
work items, and scans just those captures for Next.js signatures.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}

			switch matchType {
			case "exact", "prefix", "host", "domain":
			default:
				return fmt.Errorf("match-type %q is not one of exact, prefix, host, domain", matchType)
			}

			cfg := rt.Config
			if cmd.Flags().Changed("workers") {
				cfg.Scan.Workers = workers
			}
			if cmd.Flags().Changed("rate") {
				cfg.Rate.RPS = rps
			}

			client := cdx.NewClient(cdx.Config{
				BaseURL:   cfg.Index.BaseURL,
				Timeout:   cfg.IndexTimeout(),
				UserAgent: cfg.Fetch.UserAgent,
			}, rt.Logger)

			var records []cdx.Record
			if domainsFile != "" {
				records, err = searchDomains(cmd, client, rt.Logger, domainsFile, index, limit)
			} else {
				records, err = client.Search(cmd.Context(), cdx.Query{
					URL:       pattern,
					Index:     index,
					MatchType: matchType,
					Limit:     limit,
					Status:    status,
					From:      from,
					To:        to,
				})
			}
			if err != nil {
				return err
			}

			items := client.WorkItems(records)
			if len(items) == 0 {
				rt.Logger.Warn("no captures matched the search")
				return nil
			}

			return runPipeline(cmd.Context(), cfg, rt.Logger, items)
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "*/", "URL pattern to search")
	cmd.Flags().StringVar(&domainsFile, "domains-file", "", "file with one domain per line, searched with match-type domain")
	cmd.Flags().StringVar(&index, "index", "", "crawl index, e.g. 2025-05 (default: latest)")
	cmd.Flags().StringVar(&matchType, "match-type", "prefix", "CDX match type: exact, prefix, host, or domain")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum captures to process (per domain with --domains-file)")
	cmd.Flags().StringVar(&status, "status", "200", "capture HTTP status filter (empty disables)")
	cmd.Flags().StringVar(&from, "from", "", "earliest capture timestamp (YYYYMMDDhhmmss)")
	cmd.Flags().StringVar(&to, "to", "", "latest capture timestamp (YYYYMMDDhhmmss)")
	cmd.Flags().IntVar(&workers, "workers", 0, "override the configured worker count")
	cmd.Flags().Float64Var(&rps, "rate", 0, "override the configured requests per second")

	return cmd
}

// searchDomains queries the index once per domain in the file. A domain
// whose query fails is logged and skipped so one bad entry cannot sink
// the whole batch.
func searchDomains(cmd *cobra.Command, client *cdx.Client, logger *zap.Logger, path, index string, limitPerDomain int) ([]cdx.Record, error) {
	domains, err := readDomains(path)
	if err != nil {
		return nil, err
	}

	var all []cdx.Record
	for _, domain := range domains {
		records, err := client.SearchDomain(cmd.Context(), domain, index, limitPerDomain)
		if err != nil {
			logger.Warn("skipping domain after index error", zap.String("domain", domain), zap.Error(err))
			continue
		}
		all = append(all, records...)
	}
	return all, nil
}

func readDomains(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open domains file: %w", err)
	}
	defer f.Close()

	var domains []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		domain := strings.TrimSpace(scanner.Text())
		if domain == "" {
			continue
		}
		domains = append(domains, domain)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read domains file: %w", err)
	}
	return domains, nil
}
