package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fruitsalade/pantry/pkg/client"
	"github.com/fruitsalade/pantry/pkg/protocol"
)

// cli carries state shared by all subcommands.
type cli struct {
	v   *viper.Viper
	out io.Writer
}

func (c *cli) client() (*client.Client, error) {
	server := c.v.GetString("server")
	if server == "" {
		return nil, fmt.Errorf("no server URL: pass --server or set PANTRY_SERVER")
	}
	return client.New(client.Config{
		BaseURL:   strings.TrimRight(server, "/"),
		Timeout:   c.v.GetDuration("timeout"),
		AuthToken: c.v.GetString("token"),
	}), nil
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New(), out: os.Stdout}
	c.v.SetEnvPrefix("pantry")
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "pantry",
		Short:         "Pantry command line client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().String("server", "http://localhost:8080", "Server base URL")
	root.PersistentFlags().String("token", "", "Bearer token")
	root.PersistentFlags().Duration("timeout", 5*time.Minute, "Request timeout")
	for _, name := range []string{"server", "token", "timeout"} {
		_ = c.v.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	root.AddCommand(
		newHealthCommand(c),
		newUploadCommand(c),
		newShareCommand(c),
		newQuotaCommand(c),
	)
	return root
}

func newHealthCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server status and configured channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			h, err := cl.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s (channels: %s)\n", h.Status, strings.Join(h.Channels, ", "))
			return nil
		},
	}
}

func newUploadCommand(c *cli) *cobra.Command {
	var opts client.UploadOptions
	cmd := &cobra.Command{
		Use:   "upload [file...]",
		Short: "Upload files and print their links",
		Long:  "Upload one or more files. With --url, registers an external link instead and takes no file arguments.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.URL != "" && len(args) > 0 {
				return fmt.Errorf("--url does not take file arguments")
			}
			if opts.URL == "" && len(args) == 0 {
				return fmt.Errorf("nothing to upload")
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			if opts.URL != "" {
				link, err := cl.Upload(cmd.Context(), "", nil, opts)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.out, link)
				return nil
			}
			for _, path := range args {
				link, err := uploadFile(cmd.Context(), cl, path, opts)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintln(c.out, link)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Channel, "channel", "c", "", "Upload channel (cfr2, telegram, s3, external)")
	f.StringVarP(&opts.Folder, "folder", "f", "", "Destination folder")
	f.StringVar(&opts.NameType, "name-type", "", "Naming strategy (origin, index, short, custom)")
	f.StringVar(&opts.CustomName, "name", "", "File name used with --name-type custom")
	f.StringVar(&opts.URL, "url", "", "Register an external URL")
	f.BoolVar(&opts.FullLink, "full", false, "Print absolute links")
	f.BoolVar(&opts.NoAutoRetry, "no-retry", false, "Do not fail over to other channels")
	f.BoolVar(&opts.NoCompress, "no-compress", false, "Ask the server not to recompress images")
	f.BoolVar(&opts.Private, "private", false, "Make the file reachable only through shares")
	return cmd
}

func uploadFile(ctx context.Context, cl *client.Client, path string, opts client.UploadOptions) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return cl.Upload(ctx, filepath.Base(path), f, opts)
}

func newShareCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Manage share links",
	}

	var (
		password string
		expires  time.Duration
		maxViews int
	)
	create := &cobra.Command{
		Use:   "create <file-key>",
		Short: "Create a share link for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			sh, err := cl.CreateShare(cmd.Context(), protocol.ShareLinkRequest{
				FileKey:      args[0],
				Password:     password,
				ExpiresInSec: int64(expires / time.Second),
				MaxViews:     maxViews,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, sh.URL)
			return nil
		},
	}
	create.Flags().StringVarP(&password, "password", "p", "", "Require a password")
	create.Flags().DurationVarP(&expires, "expires", "e", 0, "Expire after this long")
	create.Flags().IntVarP(&maxViews, "max-views", "n", 0, "Limit the number of views")

	list := &cobra.Command{
		Use:   "list",
		Short: "List your share links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			shares, err := cl.ListShares(cmd.Context())
			if err != nil {
				return err
			}
			printShares(c.out, shares)
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Disable a share link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			if err := cl.RevokeShare(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "revoked %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func printShares(w io.Writer, shares []protocol.ShareLinkResponse) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tFILE\tVIEWS\tEXPIRES\tSTATE")
	for _, sh := range shares {
		views := fmt.Sprintf("%d", sh.Views)
		if sh.MaxViews > 0 {
			views = fmt.Sprintf("%d/%d", sh.Views, sh.MaxViews)
		}
		expires := "-"
		if sh.ExpiresAt != nil {
			expires = sh.ExpiresAt.Format(time.RFC3339)
		}
		state := "active"
		if !sh.Active {
			state = "revoked"
		}
		if sh.HasPassword {
			state += ",password"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", sh.Token, sh.FileKey, views, expires, state)
	}
	tw.Flush()
}

func newQuotaCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show storage usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			q, err := cl.Quota(cmd.Context())
			if err != nil {
				return err
			}
			if q.Total <= 0 {
				fmt.Fprintf(c.out, "%s used (unlimited)\n", client.FormatBytes(q.Used))
				return nil
			}
			fmt.Fprintf(c.out, "%s of %s used, %s remaining\n",
				client.FormatBytes(q.Used), client.FormatBytes(q.Total), client.FormatBytes(q.Remaining))
			return nil
		},
	}
}
