package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/vdsm-reg/pkg/config"
	"github.com/haasonsaas/vdsm-reg/pkg/enroll"
	"github.com/haasonsaas/vdsm-reg/pkg/health"
	"github.com/haasonsaas/vdsm-reg/pkg/trust"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

type Node struct {
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	UniqueID      string    `json:"unique_id"`
	Scheme        string    `json:"scheme"`
	Registrations int       `json:"registrations"`
	LastSeen      time.Time `json:"last_seen"`
}

type Ticket struct {
	ID         string     `json:"id"`
	Ticket     string     `json:"ticket,omitempty"`
	Label      string     `json:"label"`
	ExpiresAt  time.Time  `json:"expires_at"`
	UsedAt     *time.Time `json:"used_at"`
	RedeemedBy string     `json:"redeemed_by"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "vdsm-reg-ctl",
		Short:         "Inspect and prepare node registration",
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Engine simulator URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("ENGINE_SIM_ADMIN_TOKEN"), "Engine simulator admin token")

	rootCmd.AddCommand(
		fingerprintCmd(),
		seedCmd(),
		checkCmd(),
		nodesCmd(),
		ticketCmd(),
		versionCmd(),
	)
	return rootCmd
}

func fingerprintCmd() *cobra.Command {
	var (
		digest  string
		file    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fingerprint [host[:port]]",
		Short: "Print the fingerprint of the engine certificate",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (len(args) == 0) {
				return fmt.Errorf("give either an engine address or --file")
			}
			if file != "" {
				cert, err := trust.LoadFile(file)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), trust.Fingerprint(cert, digest))
				return nil
			}

			addr := args[0]
			host := addr
			if h, _, err := net.SplitHostPort(addr); err == nil {
				host = h
			} else {
				addr = net.JoinHostPort(addr, "443")
			}
			serverName := host
			if net.ParseIP(host) != nil {
				serverName = ""
			}
			cert, err := trust.Probe(cmd.Context(), addr, serverName, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), trust.Fingerprint(cert, digest))
			return nil
		},
	}
	cmd.Flags().StringVar(&digest, "digest", "sha1", "Digest: sha1, md5 or sha256")
	cmd.Flags().StringVar(&file, "file", "", "Read a PEM certificate instead of contacting the engine")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Connection timeout")
	return cmd
}

func seedCmd() *cobra.Command {
	var (
		configPath  string
		cmdlinePath string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Copy management_server boot parameters into the registration config",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := config.ReadCmdline(cmdlinePath)
			if err != nil {
				return err
			}
			written, err := config.Seed(configPath, params)
			if err != nil {
				return err
			}
			if len(written) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No management_server parameters found")
				return nil
			}
			keys := make([]string, 0, len(written))
			for k := range written {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", k, written[k])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/vdsm-reg/vdsm-reg.conf", "Registration config file")
	cmd.Flags().StringVar(&cmdlinePath, "cmdline", config.DefaultCmdlinePath, "Kernel command line file")
	return cmd
}

func checkCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the registration preflight",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			source := enroll.NewConfigSource(configPath, zerolog.Nop())
			ec, err := source.Next(ctx)
			if err != nil {
				return err
			}
			status := health.Check(ctx, ec, cfg.Vars)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					return err
				}
			} else {
				printStatus(out, ec, status)
			}
			if !status.Healthy {
				return fmt.Errorf("%d issue(s) found", len(status.Issues))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/vdsm-reg/vdsm-reg.conf", "Registration config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func printStatus(out io.Writer, ec enroll.Context, status *health.HealthStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Engine:\t%s (%s:%d)\n", ec.EngineHost, ec.EngineAddress, ec.EngineHTTPPort)
	fmt.Fprintf(w, "Node:\t%s (%s)\n", ec.NodeName, ec.NodeAddress)
	fmt.Fprintf(w, "Unique ID:\t%s\n", ec.NodeUniqueID)
	fmt.Fprintf(w, "Reachable:\t%v\n", status.EngineReachable)
	fmt.Fprintf(w, "Certificate cached:\t%v\n", status.CertificateCached)
	fmt.Fprintf(w, "Authorized keys:\t%d\n", status.AuthorizedKeys)
	fmt.Fprintf(w, "Time drift:\t%ds\n", status.TimeDrift)
	fmt.Fprintf(w, "Upgrade pending:\t%v\n", status.UpgradeImagePending)
	w.Flush()
	for _, issue := range status.Issues {
		fmt.Fprintf(out, "  - %s\n", issue)
	}
}

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "nodes [name]",
		Aliases: []string{"ls", "list"},
		Short:   "List nodes registered with the engine simulator",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				var node Node
				if err := adminRequest(cmd.Context(), http.MethodGet, "/v1/nodes/"+args[0], nil, &node); err != nil {
					return err
				}
				fmt.Fprintf(out, "Node:           %s\n", node.Name)
				fmt.Fprintf(out, "Address:        %s\n", node.Address)
				fmt.Fprintf(out, "Unique ID:      %s\n", node.UniqueID)
				fmt.Fprintf(out, "Registrations:  %d (last via %s)\n", node.Registrations, node.Scheme)
				fmt.Fprintf(out, "Last Seen:      %s\n", node.LastSeen.Format(time.RFC3339))
				return nil
			}

			var nodes []Node
			if err := adminRequest(cmd.Context(), http.MethodGet, "/v1/nodes", nil, &nodes); err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tUNIQUE ID\tREGISTRATIONS\tLAST SEEN")
			for _, n := range nodes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s ago\n", n.Name, n.Address, n.UniqueID, n.Registrations,
					time.Since(n.LastSeen).Round(time.Second))
			}
			return w.Flush()
		},
	}
}

func ticketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Manage one-time registration tickets",
	}

	var (
		label string
		ttl   time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a ticket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]any{
				"label":              label,
				"expires_in_seconds": int64(ttl / time.Second),
			})
			if err != nil {
				return err
			}
			var t Ticket
			if err := adminRequest(cmd.Context(), http.MethodPost, "/v1/tickets", body, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:      %s\nticket:  %s\nexpires: %s\n", t.ID, t.Ticket, formatTime(t.ExpiresAt))
			return nil
		},
	}
	issue.Flags().StringVar(&label, "label", "", "Free-form label")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "Lifetime (0 uses the server default)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var tickets []Ticket
			if err := adminRequest(cmd.Context(), http.MethodGet, "/v1/tickets", nil, &tickets); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tEXPIRES\tREDEEMED BY")
			for _, t := range tickets {
				redeemed := t.RedeemedBy
				if redeemed == "" {
					redeemed = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Label, formatTime(t.ExpiresAt), redeemed)
			}
			return w.Flush()
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := adminRequest(cmd.Context(), http.MethodDelete, "/v1/tickets/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ticket %s revoked\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(issue, list, revoke)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vdsm-reg-ctl version %s\n", Version)
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// adminRequest calls the simulator admin API and decodes a JSON reply into out.
func adminRequest(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
