package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kaiwa"
)

type rootFlags struct {
	baseURL string
	profile string
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "kaiwa",
		Short:         "Agent session client",
		Long:          "kaiwa signs in to the agent backend, streams agent turns and prints the folded transcript and plan.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.baseURL, "base-url", "", "API root (overrides KAIWA_BASE_URL)")
	root.PersistentFlags().StringVar(&flags.profile, "profile", "", "credential profile (overrides KAIWA_PROFILE)")

	open := func() (*kaiwa.App, error) {
		opts := []kaiwa.Option{kaiwa.WithLogger(logger), kaiwa.WithVersion(version)}
		if flags.baseURL != "" {
			opts = append(opts, kaiwa.WithBaseURL(flags.baseURL))
		}
		if flags.profile != "" {
			opts = append(opts, kaiwa.WithProfile(flags.profile))
		}
		return kaiwa.New(opts...)
	}

	root.AddCommand(
		newLoginCmd(open),
		newRegisterCmd(open),
		newLogoutCmd(open),
		newWhoamiCmd(open),
		newChatCmd(open),
		newHistoryCmd(open),
	)
	return root
}

type opener func() (*kaiwa.App, error)

func newLoginCmd(open opener) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <externalId>",
		Short: "Sign in and store the credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := resolvePassword(password, cmd.InOrStdin())
			if err != nil {
				return err
			}
			app, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			u, err := app.Login(cmd.Context(), args[0], pw)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", displayName(u), u.UserID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (default: KAIWA_PASSWORD, then stdin)")
	return cmd
}

func newRegisterCmd(open opener) *cobra.Command {
	var password, nickname string
	cmd := &cobra.Command{
		Use:   "register <externalId>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := resolvePassword(password, cmd.InOrStdin())
			if err != nil {
				return err
			}
			app, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			reg, err := app.Register(cmd.Context(), kaiwa.RegisterRequest{
				ExternalID: args[0],
				Password:   pw,
				Nickname:   nickname,
			})
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", reg.ExternalID, reg.UserID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (default: KAIWA_PASSWORD, then stdin)")
	cmd.Flags().StringVar(&nickname, "nickname", "", "display name")
	return cmd
}

func newLogoutCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and forget the credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			if !app.LoggedIn() {
				fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
				return nil
			}
			if err := app.Logout(cmd.Context()); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			if !app.LoggedIn() {
				return errors.New("not logged in; run kaiwa login")
			}
			u, err := app.CurrentUser(cmd.Context())
			if err != nil {
				return fmt.Errorf("whoami: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", displayName(u), u.UserID)
			return nil
		},
	}
}

func newChatCmd(open opener) *cobra.Command {
	var (
		react     bool
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "chat <text>...",
		Short: "Send one turn to the agent and print the transcript",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			if !app.LoggedIn() {
				return errors.New("not logged in; run kaiwa login")
			}

			stderr := cmd.ErrOrStderr()
			cancel := app.Notices(func(n kaiwa.Notice) {
				fmt.Fprintf(stderr, "[%s] %s\n", n.Severity, n.Text)
			})
			defer cancel()

			req := kaiwa.AgentRequest{SessionID: sessionID}
			if react {
				req.Endpoint = kaiwa.ReActEndpoint
				req.Kind = kaiwa.AgentReAct
			}
			turn, err := app.Execute(cmd.Context(), strings.Join(args, " "), req)
			if err != nil {
				return err
			}
			waitErr := turn.Wait(cmd.Context())
			if waitErr != nil && !errors.Is(waitErr, kaiwa.ErrTurnFailed) {
				return waitErr
			}

			out := cmd.OutOrStdout()
			snap := app.Snapshot()
			printTranscript(out, snap.Messages)
			if p, ok := app.Plan(snap.SessionID); ok {
				printPlan(out, p)
			}
			if snap.SessionID != "" {
				fmt.Fprintf(out, "\nsession: %s\n", snap.SessionID)
			}
			return waitErr
		},
	}
	cmd.Flags().BoolVar(&react, "react", false, "use the ReAct agent instead of ReAct+")
	cmd.Flags().StringVar(&sessionID, "session", "", "continue an existing session")
	return cmd
}

func newHistoryCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "history <sessionId>...",
		Short: "Print the stored transcripts of sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			histories, err := app.SessionHistories(cmd.Context(), args)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			out := cmd.OutOrStdout()
			for i, id := range args {
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "== %s ==\n", id)
				printTranscript(out, histories[id])
			}
			return nil
		},
	}
}

func resolvePassword(flag string, in io.Reader) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("KAIWA_PASSWORD"); env != "" {
		return env, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password is required")
	}
	return pw, nil
}

func displayName(u kaiwa.User) string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.ExternalID
}

func printTranscript(w io.Writer, msgs []kaiwa.Message) {
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Type, m.Sender, strings.TrimSpace(m.Text))
	}
}

func printPlan(w io.Writer, p kaiwa.Plan) {
	fmt.Fprintf(w, "\nplan: %s (%s)\n", p.Goal, p.Status)
	phases := append([]kaiwa.Phase(nil), p.Phases...)
	sort.SliceStable(phases, func(i, j int) bool { return phases[i].Index < phases[j].Index })
	for _, ph := range phases {
		marker := " "
		if ph.ID == p.CurrentPhaseID {
			marker = ">"
		}
		fmt.Fprintf(w, "%s %d. %-9s %s\n", marker, ph.Index+1, ph.Status, ph.Title)
	}
}
