package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustplane/trustplane/internal/config"
	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/pkg/breakglass"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

// Sessions survive between CLI invocations as JSON documents in the
// secret store, so approvals can come from different operators on
// different machines.
const sessionPrefix = "sys/breakglass/sessions"

func NewBreakGlassCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "break-glass",
		Aliases: []string{"bg"},
		Short:   "Emergency access sessions",
		Long: `Open, approve, and use emergency access sessions.

Sessions follow the procedures declared under breakGlass in
trustplane.yaml. Every state change and every action is written to the
session's audit trail.`,
	}
	cmd.AddCommand(
		newBreakGlassInitiateCommand(cfg),
		newBreakGlassApproveCommand(cfg),
		newBreakGlassRevokeCommand(cfg),
		newBreakGlassExecCommand(cfg),
		newBreakGlassShowCommand(cfg),
		newBreakGlassListCommand(cfg),
	)
	return cmd
}

func newBreakGlassInitiateCommand(cfg *config.Config) *cobra.Command {
	var (
		initiator     string
		justification string
		urgency       string
	)

	cmd := &cobra.Command{
		Use:   "initiate <procedure-id>",
		Short: "Open an emergency session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, bus, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			controller, closeController, err := buildController(store, bus, cfg)
			if err != nil {
				return err
			}
			defer closeController()
			session, err := controller.Initiate(args[0], initiator, justification, urgency)
			if err != nil {
				return err
			}
			if err := saveSession(ctx, store, session); err != nil {
				return err
			}
			return printJSON(session)
		},
	}

	cmd.Flags().StringVar(&initiator, "by", "", "Who is opening the session (required)")
	cmd.Flags().StringVar(&justification, "justification", "", "Why normal access is insufficient (required)")
	cmd.Flags().StringVar(&urgency, "urgency", "", "Urgency label (low, medium, high, critical)")
	cobra.CheckErr(cmd.MarkFlagRequired("by"))
	cobra.CheckErr(cmd.MarkFlagRequired("justification"))
	return cmd
}

func newBreakGlassApproveCommand(cfg *config.Config) *cobra.Command {
	var (
		approver string
		deny     bool
		comment  string
	)

	cmd := &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Approve or deny a pending session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, bus, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			controller, closeController, err := buildController(store, bus, cfg)
			if err != nil {
				return err
			}
			defer closeController()
			if err := restoreSession(ctx, store, controller, args[0]); err != nil {
				return err
			}
			session, err := controller.Approve(args[0], approver, !deny, comment)
			if err != nil {
				return err
			}
			if err := saveSession(ctx, store, session); err != nil {
				return err
			}
			return printJSON(session)
		},
	}

	cmd.Flags().StringVar(&approver, "by", "", "Who is deciding (required)")
	cmd.Flags().BoolVar(&deny, "deny", false, "Deny instead of approve; a single denial revokes the session")
	cmd.Flags().StringVar(&comment, "comment", "", "Decision comment")
	cobra.CheckErr(cmd.MarkFlagRequired("by"))
	return cmd
}

func newBreakGlassRevokeCommand(cfg *config.Config) *cobra.Command {
	var (
		revoker string
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "revoke <session-id>",
		Short: "Revoke a pending or active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, bus, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			controller, closeController, err := buildController(store, bus, cfg)
			if err != nil {
				return err
			}
			defer closeController()
			if err := restoreSession(ctx, store, controller, args[0]); err != nil {
				return err
			}
			if err := controller.Revoke(args[0], revoker, reason); err != nil {
				return err
			}
			session, err := controller.Session(args[0])
			if err != nil {
				return err
			}
			if err := saveSession(ctx, store, session); err != nil {
				return err
			}
			cfg.Logger.Warn("Session %s revoked", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&revoker, "by", "", "Who is revoking (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the session is being revoked")
	cobra.CheckErr(cmd.MarkFlagRequired("by"))
	return cmd
}

func newBreakGlassExecCommand(cfg *config.Config) *cobra.Command {
	var (
		executor   string
		actionType string
		resource   string
		params     []string
	)

	cmd := &cobra.Command{
		Use:   "exec <session-id>",
		Short: "Run an emergency action inside an active session",
		Long: `Run one allow-listed action inside an active session.

Examples:
  trustplane break-glass exec <id> --by oncall --action reveal-secret --resource database/primary
  trustplane break-glass exec <id> --by oncall --action override-expiration \
    --resource app/api-key --param expires_at=2026-12-31T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, bus, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			controller, closeController, err := buildController(store, bus, cfg)
			if err != nil {
				return err
			}
			defer closeController()
			if err := restoreSession(ctx, store, controller, args[0]); err != nil {
				return err
			}

			actionParams, err := parseFields(params)
			if err != nil {
				return err
			}
			if len(params) == 0 {
				actionParams = nil
			}

			result, execErr := controller.ExecuteAction(ctx, args[0], executor,
				breakglass.ActionType(actionType), resource, actionParams)

			// The action record must be persisted even when the action
			// itself was refused or failed.
			session, err := controller.Session(args[0])
			if err != nil {
				return err
			}
			if err := saveSession(ctx, store, session); err != nil {
				return err
			}
			if execErr != nil {
				return execErr
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&executor, "by", "", "Who is acting (required)")
	cmd.Flags().StringVar(&actionType, "action", "", "Action type (required)")
	cmd.Flags().StringVar(&resource, "resource", "", "Target resource path")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Action parameter as key=value, repeatable")
	cobra.CheckErr(cmd.MarkFlagRequired("by"))
	cobra.CheckErr(cmd.MarkFlagRequired("action"))
	return cmd
}

func newBreakGlassShowCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, _, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			session, err := loadSession(ctx, store, args[0])
			if err != nil {
				return err
			}
			return printJSON(session)
		},
	}
}

func newBreakGlassListCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, _, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			ids, err := store.List(ctx, sessionPrefix)
			if err != nil {
				return err
			}

			type summary struct {
				ID          string `json:"id"`
				ProcedureID string `json:"procedure_id"`
				Initiator   string `json:"initiator"`
				Status      string `json:"status"`
				CreatedAt   string `json:"created_at"`
			}
			summaries := make([]summary, 0, len(ids))
			for _, id := range ids {
				session, err := loadSession(ctx, store, id)
				if err != nil {
					cfg.Logger.Warn("Skipping unreadable session %s: %v", id, err)
					continue
				}
				summaries = append(summaries, summary{
					ID:          session.ID,
					ProcedureID: session.ProcedureID,
					Initiator:   session.Initiator,
					Status:      string(session.Status),
					CreatedAt:   session.CreatedAt.Format(time.RFC3339),
				})
			}
			return printJSON(summaries)
		},
	}
}

// buildController assembles the controller with the configured
// procedures and every executor the backend can support. Actions that
// need a live scheduler (suspend-rotation) have no executor in the CLI.
// The returned closer purges the engine key cache and must always be
// called.
func buildController(store secretstore.Store, bus *events.Bus, cfg *config.Config) (*breakglass.Controller, func(), error) {
	opts := []breakglass.ControllerOption{
		breakglass.WithControllerLogger(cfg.Logger),
		breakglass.WithControllerEventBus(bus),
		breakglass.WithActionExecutor(breakglass.ActionRevealSecret,
			&breakglass.RevealSecretAction{Store: store}),
		breakglass.WithActionExecutor(breakglass.ActionOverrideExpiration,
			&breakglass.OverrideExpirationAction{Store: store}),
	}

	engine, closeEngine, err := buildEngine(store, cfg)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, breakglass.WithActionExecutor(breakglass.ActionEmergencyDecrypt,
		&breakglass.EmergencyDecryptAction{Engine: engine}))

	controller := breakglass.NewController(opts...)
	for _, pc := range cfg.Definition.BreakGlass.Procedures {
		if err := controller.RegisterProcedure(procedureFromConfig(pc)); err != nil {
			closeEngine()
			return nil, nil, err
		}
	}
	return controller, closeEngine, nil
}

func procedureFromConfig(pc config.ProcedureConfig) *breakglass.Procedure {
	rules := make([]breakglass.ActionRule, 0, len(pc.AllowedActions))
	for _, rc := range pc.AllowedActions {
		rules = append(rules, breakglass.ActionRule{
			Type:            breakglass.ActionType(rc.Type),
			ResourcePattern: rc.ResourcePattern,
		})
	}
	return &breakglass.Procedure{
		ID:                pc.ID,
		Name:              pc.Name,
		AllowedActions:    rules,
		RequiredApprovals: pc.RequiredApprovals,
		TimeLimit:         pc.TimeLimit.Std(),
		EmergencyContacts: pc.EmergencyContacts,
	}
}

func sessionPath(id string) string {
	return sessionPrefix + "/" + id
}

func saveSession(ctx context.Context, store secretstore.Store, session *breakglass.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = store.Put(ctx, sessionPath(session.ID), map[string]interface{}{
		"session": string(data),
	}, nil)
	return err
}

func loadSession(ctx context.Context, store secretstore.Store, id string) (*breakglass.Session, error) {
	record, err := store.Get(ctx, sessionPath(id))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, tperrors.NotFoundError{Resource: "break-glass session", Path: id}
	}
	raw, ok := record.Value["session"].(string)
	if !ok {
		return nil, tperrors.IntegrityError{
			KeyID:   sessionPath(id),
			Message: "stored session document is malformed",
		}
	}
	var session breakglass.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &session, nil
}

func restoreSession(ctx context.Context, store secretstore.Store, controller *breakglass.Controller, id string) error {
	session, err := loadSession(ctx, store, id)
	if err != nil {
		return err
	}
	return controller.RestoreSession(session)
}
