// Package main provides the CLI entrypoint for speakdrill.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"speakdrill/internal/bootstrap"
	"speakdrill/internal/config"
	"speakdrill/internal/domain"
	"speakdrill/internal/examapi"
	"speakdrill/internal/logger"

	"github.com/rs/zerolog/log"
)

var (
	practiceMode string
	practiceUser string
	practiceNew  bool

	abandonMode string
	abandonUser string
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "speakdrill",
		Short:         "Speaking-exam practice sessions from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(newPracticeCmd())
	rootCmd.AddCommand(newResultCmd())
	rootCmd.AddCommand(newAbandonCmd())
	return rootCmd
}

func newPracticeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "practice <dialogue-id>",
		Short: "Start or resume a speaking session",
		Args:  cobra.ExactArgs(1),
		RunE:  runPracticeCmd,
	}
	cmd.Flags().StringVar(&practiceMode, "mode", "practice", "session mode: practice, rapid or mock")
	cmd.Flags().StringVar(&practiceUser, "user", "", "user id (default: $SPEAKDRILL_USER_ID)")
	cmd.Flags().BoolVar(&practiceNew, "new", false, "discard any resumable session and start over")
	return cmd
}

func runPracticeCmd(cmd *cobra.Command, args []string) error {
	mode, err := parseMode(practiceMode)
	if err != nil {
		return err
	}
	userID, err := resolveUser(practiceUser)
	if err != nil {
		return err
	}

	sh := newShell(cmd.InOrStdin(), cmd.OutOrStdout())
	services, err := bootstrap.Build(sh.sink, sh.prompter, bootstrap.SessionParams{
		Mode:     mode,
		TargetID: args[0],
		UserID:   userID,
		ForceNew: practiceNew,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble session: %w", err)
	}
	defer func() {
		if cerr := services.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("closing services failed")
		}
	}()

	return sh.run(cmd.Context(), services.Machine)
}

func newResultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <attempt-id>",
		Short: "Show the final result of a completed attempt",
		Args:  cobra.ExactArgs(1),
		RunE:  runResultCmd,
	}
}

func runResultCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	api := examapi.New(examapi.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
	}, log.Logger)

	res, err := api.GetFinalResult(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to fetch result: %w", err)
	}
	printFinalResult(cmd.OutOrStdout(), res)
	return nil
}

func newAbandonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <dialogue-id>",
		Short: "Drop a resumable session so the next start is fresh",
		Args:  cobra.ExactArgs(1),
		RunE:  runAbandonCmd,
	}
	cmd.Flags().StringVar(&abandonMode, "mode", "practice", "session mode: practice, rapid or mock")
	cmd.Flags().StringVar(&abandonUser, "user", "", "user id (default: $SPEAKDRILL_USER_ID)")
	return cmd
}

func runAbandonCmd(cmd *cobra.Command, args []string) error {
	mode, err := parseMode(abandonMode)
	if err != nil {
		return err
	}
	userID, err := resolveUser(abandonUser)
	if err != nil {
		return err
	}

	sh := newShell(cmd.InOrStdin(), cmd.OutOrStdout())
	services, err := bootstrap.Build(sh.sink, sh.prompter, bootstrap.SessionParams{
		Mode:     mode,
		TargetID: args[0],
		UserID:   userID,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble session: %w", err)
	}
	defer func() {
		if cerr := services.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("closing services failed")
		}
	}()

	if err := services.Machine.Abandon(cmd.Context()); err != nil {
		return fmt.Errorf("failed to abandon session: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "session abandoned")
	return nil
}

func parseMode(value string) (domain.Mode, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "practice":
		return domain.ModePractice, nil
	case "rapid":
		return domain.ModeRapidReview, nil
	case "mock":
		return domain.ModeMockTest, nil
	default:
		return "", fmt.Errorf("unknown mode %q (expected practice, rapid or mock)", value)
	}
}

func resolveUser(flagValue string) (string, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(os.Getenv("SPEAKDRILL_USER_ID")); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("user id required: pass --user or set SPEAKDRILL_USER_ID")
}
