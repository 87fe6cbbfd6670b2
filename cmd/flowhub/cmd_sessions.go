package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chenweil/FlowHub-sub000/internal/store"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

var sessionAgent string

// sessionsCmd groups the session management subcommands.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage agent sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recent first",
	RunE:  runSessionsList,
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a new local session for an agent",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionsNew,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session (and its agent-side history, if any)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all of an agent's on-disk history and re-sync",
	RunE:  runSessionsClear,
}

func init() {
	sessionsCmd.PersistentFlags().StringVarP(&sessionAgent, "agent", "a", "", "agent id (from the roster)")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsNewCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	agents := a.roster.Agents()
	if sessionAgent != "" {
		var match []types.Agent
		for _, agent := range agents {
			if agent.ID == sessionAgent {
				match = append(match, agent)
			}
		}
		if len(match) == 0 {
			return fmt.Errorf("unknown agent %q", sessionAgent)
		}
		agents = match
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSESSION\tSOURCE\tUPDATED\tTITLE")
	for _, agent := range agents {
		for _, sess := range a.store.SessionsForAgent(agent.ID) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				agent.ID, sess.ID, sess.Source,
				types.FormatTime(sess.UpdatedAt), sess.Title)
		}
	}
	return w.Flush()
}

func runSessionsNew(cmd *cobra.Command, args []string) error {
	if sessionAgent == "" {
		return errors.New("--agent is required")
	}
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if _, ok := a.roster.WorkspacePath(sessionAgent); !ok {
		return fmt.Errorf("unknown agent %q", sessionAgent)
	}

	title := ""
	if len(args) > 0 {
		title = args[0]
	}
	sess, err := a.store.CreateSession(ctx, sessionAgent, title)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created session %s (%s)\n", sess.ID, sess.Title)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sessionID := args[0]
	sess, ok := a.store.Session(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	if err := a.store.DeleteSession(ctx, sess.AgentID, sessionID); err != nil {
		if errors.Is(err, store.ErrBusy) {
			return fmt.Errorf("session %s is awaiting a reply; try again once it settles", sessionID)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", sessionID)
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sessionID := args[0]
	sess, ok := a.store.Session(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	messages, _, err := a.store.LoadRemoteMessages(ctx, sess.AgentID, sessionID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s | %s (%s, %d messages)\n\n",
		sess.ID, sess.Title, sess.AgentID, len(messages))
	for _, msg := range messages {
		fmt.Fprintf(out, "[%s] %s\n%s\n\n",
			types.FormatTime(msg.Timestamp), strings.ToUpper(string(msg.Role)), msg.Content)
	}
	return nil
}

func runSessionsClear(cmd *cobra.Command, args []string) error {
	if sessionAgent == "" {
		return errors.New("--agent is required")
	}
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	deleted, err := a.reconciler.Clear(ctx, sessionAgent)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d history file(s) for %s\n", deleted, sessionAgent)
	return nil
}
