package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/client"
	"marketplace-chat/internal/models"
)

var (
	serverURL string
	token     string
	userID    string
)

func main() {
	root := &cobra.Command{
		Use:   "chatctl",
		Short: "chatctl: command-line client for the marketplace chat service",
	}

	root.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("CHAT_SERVER", "http://localhost:8083"), "chat service base url")
	root.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("CHAT_TOKEN"), "bearer token (default: $CHAT_TOKEN)")
	root.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("CHAT_USER"), "your user id, used for optimistic entries")

	root.AddCommand(tokenCmd())
	root.AddCommand(startCmd())
	root.AddCommand(listCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(listenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func tokenCmd() *cobra.Command {
	var (
		secret string
		name   string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a development token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier, err := auth.NewVerifier(secret)
			if err != nil {
				return err
			}
			signed, err := verifier.Issue(models.Sender{ID: args[0], Name: name, Email: email}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "signing secret (default: $JWT_SECRET)")
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func startCmd() *cobra.Command {
	var subject models.Subject
	cmd := &cobra.Command{
		Use:   "start <participant-id>",
		Short: "Find or create the conversation with a user about a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}
			summary, err := session.StartConversation(cmd.Context(), args[0], subject)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().StringVar(&subject.Title, "subject", "", "listing title")
	cmd.Flags().StringVar(&subject.ListingID, "listing", "", "listing id")
	cmd.Flags().StringVar(&subject.Price, "price", "", "listing price")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func listCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List your conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}
			list, err := session.ListConversations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "max conversations")
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		limit int
		pages int
	)
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print message history, loading older pages as requested",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}
			for i := 0; i < pages; i++ {
				n, err := session.LoadOlder(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
			}
			return printJSON(cmd, session.Timeline(args[0]).Entries())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 30, "page size")
	cmd.Flags().IntVar(&pages, "pages", 1, "number of pages to load")
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		to       string
		kind     string
		fileName string
	)
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text-or-url>",
		Short: "Submit a message over HTTP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}
			payload := models.TextPayload(args[1])
			if models.PayloadKind(kind) != models.KindText {
				payload = models.MediaPayload(models.PayloadKind(kind), args[1], fileName)
			}
			if err := payload.Validate(); err != nil {
				return err
			}
			entry, err := session.SubmitHTTP(cmd.Context(), args[0], to, payload)
			if err != nil {
				return fmt.Errorf("message %s left in state %s: %w", entry.ClientToken, entry.State, err)
			}
			return printJSON(cmd, entry)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "receiver id")
	cmd.Flags().StringVar(&kind, "kind", string(models.KindText), "payload kind: text, image, video or file")
	cmd.Flags().StringVar(&fileName, "file-name", "", "original file name for file payloads")
	return cmd
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Connect and print every server frame as a JSON line",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			session.OnEvent(func(e models.ChatEvent) { _ = enc.Encode(e) })
			if err := session.Connect(ctx); err != nil {
				return err
			}
			defer session.Close()

			err = session.Run(ctx)
			if errors.Is(err, client.ErrSuperseded) {
				fmt.Fprintln(cmd.ErrOrStderr(), "another session for this user took over")
				return nil
			}
			return err
		},
	}
}

func newSession() (*client.Session, error) {
	if token == "" {
		return nil, errors.New("a token is required: pass --token or set CHAT_TOKEN")
	}
	return client.NewSession(serverURL, token, models.Sender{ID: userID})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
