package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"idremap/internal/config"
	"idremap/internal/engine"
	"idremap/internal/identity"
	"idremap/internal/intercept"
)

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Collect a snapshot and show which attributes are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer s.engine.Close()

			h := s.engine.GetAppInfo(ctx, s.pc)
			fmt.Fprintf(cmd.OutOrStdout(), "package: %s\nhandle:  %d\n", a.cfg.Storage.Package, h.Int32())
			if !h.OK() {
				return &statusError{op: "getAppInfo", status: engine.StatusPermissionDenied}
			}
			attrs, err := s.engine.Inspect(h)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tAVAILABLE\tREASON")
			for _, at := range attrs {
				reason := string(at.Reason)
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\n", at.Kind, at.Present, reason)
			}
			return tw.Flush()
		},
	}
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Load or create the substitute identity and report interception state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.initSession(ctx)
			if err != nil {
				return err
			}
			defer s.engine.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:     %s (%d)\n", s.status, int32(s.status))
			fmt.Fprintf(out, "generation: %d\n", s.engine.Identity().Generation())

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tACTIVE\tREASON")
			for _, st := range s.engine.Interception() {
				reason := st.Reason
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\n", st.Kind, st.Active, reason)
			}
			return tw.Flush()
		},
	}
}

func newModifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "modify <seed>",
		Short: "Print the parameter derived from seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.initSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.engine.Close()

			r := s.engine.ModifyParams(args[0])
			if !r.OK() {
				return &statusError{op: "modifyParams", status: r.Status}
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Value)
			return nil
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind|alias>",
		Short: "Print what an intercepted lookup of the kind returns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.initSession(ctx)
			if err != nil {
				return err
			}
			defer s.engine.Close()

			v, err := s.engine.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newRegenerateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate",
		Short: "Replace the identity with a fresh one under the next generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.initSession(ctx)
			if err != nil {
				return err
			}
			defer s.engine.Close()

			status := s.engine.Regenerate(ctx, s.engine.GetAppInfo(ctx, s.pc))
			var serr error
			if !status.OK() {
				serr = &statusError{op: "regenerate", status: status}
			}
			gen := s.engine.Identity().Generation()
			if err := a.audit.LogRegenerate(ctx, a.cfg.Storage.Package, gen, serr); err != nil {
				a.logger.Warn("audit write failed", "error", err)
			}
			if serr != nil {
				return serr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "generation: %d\n", gen)
			return nil
		},
	}
}

func newKindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the identifier catalog, aliases and entry points",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tALIASES\tENTRY POINTS\tDESCRIPTION")
			for _, d := range identity.Catalog() {
				eps := intercept.EntryPoints(d.Kind)
				names := make([]string, len(eps))
				for i, ep := range eps {
					names[i] = string(ep)
				}
				sort.Strings(names)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Kind, strings.Join(d.Aliases, ","), strings.Join(names, ","), d.Description)
			}
			return tw.Flush()
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or write the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as TOML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return toml.NewEncoder(cmd.OutOrStdout()).Encode(a.cfg)
			},
		},
		&cobra.Command{
			Use:   "init [path]",
			Short: "Write the default configuration",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := a.configPath
				if len(args) == 1 {
					path = args[0]
				}
				if err := config.Save(config.DefaultConfig(), path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
	)
	return cmd
}
