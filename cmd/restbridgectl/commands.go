package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opengovern/restbridge/auth"
	"github.com/opengovern/restbridge/resource"
	"github.com/spf13/cobra"
)

const envPassword = "RESTBRIDGE_PASSWORD"

func newRootCmd() *cobra.Command {
	var a *app

	root := &cobra.Command{
		Use:          "restbridgectl",
		Short:        "Talk to a REST backend through restbridge",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			built, err := newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a = built
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a != nil {
				a.close()
			}
		},
	}
	get := func() *app { return a }

	root.AddCommand(
		newLoginCmd(get),
		newLogoutCmd(get),
		newWhoamiCmd(get),
		newRefreshCmd(get),
		newListCmd(get),
		newGetCmd(get),
		newCreateCmd(get),
		newUpdateCmd(get),
		newDeleteCmd(get),
	)
	return root
}

func newLoginCmd(getApp func() *app) *cobra.Command {
	var creds auth.Credentials
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and persist the token pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if creds.Password == "" {
				creds.Password = os.Getenv(envPassword)
			}
			if creds.Email == "" && creds.Username == "" {
				return errors.New("one of --email or --username is required")
			}
			resp, err := getApp().auth.Login(cmd.Context(), creds)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.User)
		},
	}
	cmd.Flags().StringVar(&creds.Email, "email", "", "account email")
	cmd.Flags().StringVar(&creds.Username, "username", "", "account username")
	cmd.Flags().StringVar(&creds.Password, "password", "", "password (defaults to $"+envPassword+")")
	return cmd
}

func newLogoutCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and forget the stored tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getApp().auth.Logout(cmd.Context())
		},
	}
}

func newWhoamiCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the current user's profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := getApp()
			a.ensureFresh(cmd.Context())
			user, err := a.auth.CurrentUserOrLogout(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), user)
		},
	}
}

func newRefreshCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tokens, err := getApp().auth.RefreshToken(cmd.Context())
			if err != nil {
				return err
			}
			exp, err := auth.ExpiresAt(tokens.Access)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "refreshed")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed, access token valid until %s\n", exp.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}
}

func newListCmd(getApp func() *app) *cobra.Command {
	var (
		params  resource.ListParams
		filters []string
	)
	cmd := &cobra.Command{
		Use:   "list <endpoint>",
		Short: "List one page of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseFilters(filters)
			if err != nil {
				return err
			}
			params.Filters = parsed
			a := getApp()
			a.ensureFresh(cmd.Context())
			page, err := a.resource(args[0]).List(cmd.Context(), &params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().IntVar(&params.Page, "page", 0, "page number")
	cmd.Flags().IntVar(&params.Limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&params.Search, "search", "", "search term")
	cmd.Flags().StringVar(&params.Sort, "sort", "", "sort field")
	cmd.Flags().StringVar(&params.Order, "order", "", "asc or desc")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "key=value filter, repeatable")
	return cmd
}

func newGetCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <endpoint> <id>",
		Short: "Fetch one item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			a.ensureFresh(cmd.Context())
			env, err := a.resource(args[0]).Get(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), env)
		},
	}
}

func newCreateCmd(getApp func() *app) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "create <endpoint>",
		Short: "Create an item from a JSON object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd.InOrStdin(), data)
			if err != nil {
				return err
			}
			a := getApp()
			a.ensureFresh(cmd.Context())
			env, err := a.resource(args[0]).Create(cmd.Context(), body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), env)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON object, or - to read stdin")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newUpdateCmd(getApp func() *app) *cobra.Command {
	var (
		data    string
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "update <endpoint> <id>",
		Short: "Partially update an item, or replace it with --replace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd.InOrStdin(), data)
			if err != nil {
				return err
			}
			a := getApp()
			a.ensureFresh(cmd.Context())
			res := a.resource(args[0])
			update := res.Update
			if replace {
				update = res.Replace
			}
			env, err := update(cmd.Context(), args[1], body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), env)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON object, or - to read stdin")
	cmd.Flags().BoolVar(&replace, "replace", false, "send PUT instead of PATCH")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newDeleteCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <endpoint> <id>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			a.ensureFresh(cmd.Context())
			if err := a.resource(args[0]).Delete(cmd.Context(), args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", strings.Trim(args[0], "/"), args[1])
			return nil
		},
	}
}

// parseFilters turns repeated key=value flags into list filters. A key given
// more than once becomes a multi-valued filter.
func parseFilters(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	multi := map[string][]string{}
	for _, f := range raw {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", f)
		}
		multi[k] = append(multi[k], v)
	}
	out := make(map[string]any, len(multi))
	for k, vs := range multi {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		out[k] = vs
	}
	return out, nil
}

func readBody(stdin io.Reader, data string) (map[string]any, error) {
	var src io.Reader = strings.NewReader(data)
	if data == "-" {
		src = stdin
	}
	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}
	return body, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
