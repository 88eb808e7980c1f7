package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/open-rails/fedlink/core"
	"github.com/open-rails/fedlink/identitytoolkit"
	oidckit "github.com/open-rails/fedlink/oidc"
	"github.com/open-rails/fedlink/resolver"
	memorystore "github.com/open-rails/fedlink/storage/memory"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	loginProvider string
	callbackAddr  string
	noBrowser     bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with a provider, linking it to an existing account if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateLogin(); err != nil {
			return err
		}
		providers, err := cfg.Providers()
		if err != nil {
			return err
		}
		entry := logrus.NewEntry(log).WithField("component", "resolver")

		open := func(url string) error {
			fmt.Fprintf(cmd.ErrOrStderr(), "Continue sign-in in your browser:\n  %s\n", url)
			if noBrowser {
				return nil
			}
			if err := openBrowser(url); err != nil {
				entry.WithError(err).Debug("browser_open_failed")
			}
			return nil
		}
		popup := oidckit.NewLoopbackPopup(
			oidckit.NewManager(providers),
			oidckit.NewStateCache(memorystore.NewKV(), 0),
			open,
		).WithListenAddr(callbackAddr).WithLogger(entry)

		idp := identitytoolkit.New(cfg.APIKey, popup).WithLogger(entry)
		r := resolver.New(idp, providers,
			resolver.WithStepTimeout(cfg.StepTimeout),
			resolver.WithLogger(entry),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, profile, err := r.Run(ctx, loginProvider, resolver.NewProfileClient(cfg.GatewayURL))
		if err != nil {
			msg := core.UserMessage(err)
			if out != nil && out.Err != nil {
				msg = out.UserMessage()
			}
			fmt.Fprintln(cmd.ErrOrStderr(), msg)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resolver.Greeting(out, profile))
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginProvider, "provider", "p", "google.com", "provider to sign in with (id or name)")
	loginCmd.Flags().StringVar(&callbackAddr, "callback-addr", "127.0.0.1:0", "loopback address for the provider redirect")
	loginCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the authorization URL without opening a browser")
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
