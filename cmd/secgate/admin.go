package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"secgate/gateway/internal/intel"
	"secgate/gateway/internal/secevent"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp builds the components for a one-shot admin command.
func withApp(fn func(ctx context.Context, a *app) error) error {
	if cfg.Store.Backend == "memory" {
		log.Warn().Msg("store.backend is memory: admin commands only affect this process")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			routes := make([]map[string]any, 0, len(cfg.Routes))
			for _, rt := range cfg.Routes {
				routes = append(routes, map[string]any{
					"pattern":   rt.Pattern,
					"methods":   rt.Methods,
					"roles":     rt.Roles,
					"public":    rt.Public,
					"sensitive": rt.Sensitive,
				})
			}
			return printJSON(map[string]any{
				"config_path":    configPath,
				"store":          cfg.Store.Backend,
				"token_alg":      cfg.Token.Alg,
				"token_issuer":   cfg.Token.Issuer,
				"rate_limit":     fmt.Sprintf("%d per %s by %s", cfg.RateLimit.Limit, cfg.RateWindow(), cfg.RateLimit.KeyBy),
				"reputation":     fmt.Sprintf(">= %d failures per %s", cfg.Reputation.Threshold, cfg.ReputationPeriod()),
				"failure_policy": cfg.FailurePolicy,
				"api_keys":       len(cfg.APIKeys.Keys),
				"threat_intel":   cfg.ThreatIntel.Enabled,
				"routes":         routes,
			})
		},
	}
}

func issueCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a bearer token (development and break-glass use)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				tok, err := a.tokens.Issue(subject, role, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "identity id (required)")
	cmd.Flags().StringVar(&role, "role", "USER", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime (clamped to token.max_ttl_sec)")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func revokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Blacklist a bearer token for the rest of its lifetime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				id, err := a.revocation.Revoke(ctx, args[0], reason)
				if err != nil {
					return err
				}
				a.events.Emit(ctx, secevent.Event{Type: secevent.TypeRevoked, Reason: reason, AuthMethod: "bearer"})
				return printJSON(map[string]string{"token_id": id, "reason": reason})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "revoked by operator", "reason stored with the entry")
	return cmd
}

func reputationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reputation <ip>",
		Short: "Show the failure record for a source IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rec, err := a.reputation.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"ip":         rec.IP,
					"counts":     rec.Counts,
					"total":      rec.Total,
					"threshold":  a.reputation.Threshold(),
					"suspicious": rec.Total >= a.reputation.Threshold(),
				}
				if a.intel != nil {
					if ind, listed := a.intel.Check(args[0]); listed {
						out["threat_intel"] = ind
					}
				}
				if !rec.LastFailureAt.IsZero() {
					out["last_failure_at"] = rec.LastFailureAt.UTC()
				}
				return printJSON(out)
			})
		},
	}
}

func unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <ip>",
		Short: "Forgive a source IP (delete its reputation record)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.reputation.Forgive(ctx, args[0]); err != nil {
					return err
				}
				a.events.Emit(ctx, secevent.Event{Type: secevent.TypeForgiven, IP: args[0], Reason: "operator unblock"})
				fmt.Printf("unblocked %s\n", args[0])
				return nil
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage opaque session handles"}

	var (
		identity string
		ip       string
		ttl      time.Duration
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and print its handle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				handle, rec, err := a.sessions.Create(ctx, identity, ip, ttl)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"handle": handle, "identity_id": rec.IdentityID, "expires_at": rec.ExpiresAt})
			})
		},
	}
	createCmd.Flags().StringVar(&identity, "identity", "", "identity id (required)")
	createCmd.Flags().StringVar(&ip, "ip", "", "bind the session to this client IP")
	createCmd.Flags().DurationVar(&ttl, "ttl", 0, "absolute lifetime (default session.ttl_sec)")
	_ = createCmd.MarkFlagRequired("identity")

	destroyCmd := &cobra.Command{
		Use:   "destroy <handle>",
		Short: "Destroy a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.sessions.Destroy(ctx, args[0]); err != nil {
					return err
				}
				a.events.Emit(ctx, secevent.Event{Type: secevent.TypeLogout, Reason: "operator destroy"})
				return nil
			})
		},
	}

	cmd.AddCommand(createCmd, destroyCmd)
	return cmd
}

func intelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "intel", Short: "Inspect threat intelligence peers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "collections",
		Short: "List the TAXII collections each configured peer exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(cfg.ThreatIntel.Peers) == 0 {
				return fmt.Errorf("no threat_intel.peers configured")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			out := make([]map[string]any, 0, len(cfg.ThreatIntel.Peers))
			for _, peer := range cfg.ThreatIntel.Peers {
				entry := map[string]any{"url": peer.URL, "configured": peer.CollectionID}
				cols, err := intel.NewTAXIIClient(peer.URL, peer.Username, peer.Password).ListCollections(ctx)
				if err != nil {
					log.Warn().Err(err).Str("peer", peer.URL).Msg("collection listing failed")
					entry["error"] = err.Error()
				} else {
					entry["collections"] = cols
				}
				out = append(out, entry)
			}
			return printJSON(out)
		},
	})
	return cmd
}
