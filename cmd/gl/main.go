package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/app"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/repo"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline runs milestone approval workflows for a portfolio of initiatives.
How it fits together:
- Workspace: your .gateline directory holding the database; catalog and roles come from gateline.yml.
- Initiative: a governed piece of work; each one carries a budget and a plan that freeze when a milestone passes.
- Milestone definitions: the gates an initiative can go through (concept, initiation, delivery, closure).
- Transition request: a manager asks to pass a gate, naming approvers and an optional attachment.
- Review: a reviewer accepts or rejects the request; accepting opens a voting round, or auto-passes when no approvers were named.
- Votes: each named approver gets exactly one verdict; when the last one lands, deciders are told the instance is ready.
- Decision: a decider picks the final status type; votes inform the decision, they do not bind it.
- Notifications and the event log record every step; webhooks push events to external systems.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(initiativeCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var governanceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := app.WriteDefaultConfig(workspace, governanceID); err != nil {
				return err
			}
			conn, cfg, err := app.Bootstrap(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Printf("Initialized gateline workspace for governance %q (config at %s)\n", cfg.Governance.ID, config.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&governanceID, "governance", "default", "governance id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook: governance id, the status type and milestone catalog, and the role grants seeded into the database.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Manage actors"}
	actor.AddCommand(actorCreateCmd())
	actor.AddCommand(actorListCmd())
	return actor
}

func actorCreateCmd() *cobra.Command {
	var a domain.Actor
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertActor(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&a.ID, "id", "", "actor id (optional)")
	cmd.Flags().StringVar(&a.Name, "name", "", "display name")
	cmd.Flags().StringVar(&a.Mail, "mail", "", "mail address")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func actorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Mail"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Mail})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func initiativeCmd() *cobra.Command {
	ini := &cobra.Command{
		Use:   "initiative",
		Short: "Manage initiatives",
		Long:  "Initiatives are the governed pieces of work. Creating one opens its first budget and plan and marks it a concept until the first approved milestone clears the flag.",
	}
	ini.AddCommand(initiativeCreateCmd())
	ini.AddCommand(initiativeListCmd())
	ini.AddCommand(initiativeShowCmd())
	return ini
}

func initiativeCreateCmd() *cobra.Command {
	var opts engine.InitiativeCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create initiative",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.CreateInitiative(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "initiative id (optional)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "initiative name")
	cmd.Flags().StringVar(&opts.GovernanceID, "governance", "", "governance id (defaults to config)")
	cmd.Flags().StringVar(&opts.ManagerID, "manager", "", "managing actor id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func initiativeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInitiatives(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Concept", "Manager", "Last approved"})
				for _, in := range items {
					manager := ""
					if in.ManagerID != nil {
						manager = *in.ManagerID
					}
					last := ""
					if in.LastApprovedInstanceID != nil {
						last = *in.LastApprovedInstanceID
					}
					tw.AppendRow(table.Row{in.ID, in.Name, in.IsConcept, manager, last})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func initiativeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show initiative with budgets and plans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				in, err := r.GetInitiative(ctx, id)
				if err != nil {
					return err
				}
				budgets, err := r.ListBudgets(ctx, id)
				if err != nil {
					return err
				}
				plans, err := r.ListPlans(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"initiative": in,
					"budgets":    budgets,
					"plans":      plans,
				})
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage transition requests",
		Long:  "A transition request asks to pass a milestone gate. It stays pending until a reviewer accepts or rejects it, and the requester may cancel it while pending.",
	}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestAcceptCmd())
	req.AddCommand(requestRejectCmd())
	req.AddCommand(requestCancelCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	var opts engine.SubmitRequestOptions
	var approvers []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit transition request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RequesterID = viper.GetString("actor-id")
			opts.ApproverIDs = approvers
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tr, err := e.SubmitRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(tr)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "request id (optional)")
	cmd.Flags().StringVar(&opts.InitiativeID, "initiative", "", "initiative id")
	cmd.Flags().StringVar(&opts.DefinitionID, "milestone", "", "milestone definition id")
	cmd.Flags().StringVar(&opts.PassedDate, "passed-date", "", "requested passed date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Comments, "comments", "", "comments")
	cmd.Flags().StringArrayVar(&approvers, "approver", []string{}, "approver actor id (repeatable)")
	cmd.Flags().StringVar(&opts.AttachmentName, "attachment-name", "", "attachment name")
	cmd.Flags().StringVar(&opts.AttachmentPath, "attachment-path", "", "attachment path")
	_ = cmd.MarkFlagRequired("initiative")
	_ = cmd.MarkFlagRequired("milestone")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transition requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Initiative", "Requester", "State", "Created"})
				for _, tr := range items {
					state := "pending"
					if tr.Accepted != nil {
						if *tr.Accepted {
							state = "accepted"
						} else {
							state = "rejected"
						}
					}
					tw.AppendRow(table.Row{tr.ID, tr.InitiativeID, tr.RequesterID, state, tr.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.InitiativeID, "initiative", "", "initiative filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "requester filter")
	cmd.Flags().BoolVar(&f.PendingOnly, "pending", false, "only pending requests")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show transition request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tr, err := r.GetRequest(ctx, id)
				if err != nil {
					return err
				}
				attachments, err := r.ListAttachments(ctx, "transition_request", id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"request":     tr,
					"attachments": attachments,
				})
			})
		},
	}
	return cmd
}

func requestAcceptCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept transition request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.AcceptRequest(ctx, engine.ReviewOptions{
					RequestID:  id,
					ReviewerID: viper.GetString("actor-id"),
					Comments:   comments,
				})
				if err != nil {
					return err
				}
				view, err := e.ViewInstance(ctx, inst.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "review comments")
	return cmd
}

func requestRejectCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject transition request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tr, err := e.RejectRequest(ctx, engine.ReviewOptions{
					RequestID:  id,
					ReviewerID: viper.GetString("actor-id"),
					Comments:   comments,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(tr)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "review comments")
	return cmd
}

func requestCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.CancelRequest(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Manage milestone instances",
		Long:  "A milestone instance is one run through a gate: pending while approvers vote, then approved, rejected, or unknown once a decider passes it.",
	}
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneShowCmd())
	ms.AddCommand(milestoneApproversCmd())
	ms.AddCommand(milestoneVoteCmd())
	ms.AddCommand(milestoneDecideCmd())
	return ms
}

func milestoneListCmd() *cobra.Command {
	var f repo.InstanceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestone instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				views, err := e.ListInstanceViews(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Initiative", "Definition", "Status", "Status type", "Passed"})
				for _, v := range views {
					passed := ""
					if v.PassedDate != nil {
						passed = *v.PassedDate
					}
					tw.AppendRow(table.Row{v.ID, v.InitiativeID, v.DefinitionID, v.Status, v.StatusTypeName, passed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.InitiativeID, "initiative", "", "initiative filter")
	cmd.Flags().BoolVar(&f.PendingOnly, "pending", false, "only pending instances")
	return cmd
}

func milestoneShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show milestone instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.ViewInstance(ctx, id)
				if err != nil {
					return err
				}
				attachments, err := e.Repo.ListAttachments(ctx, "milestone_instance", id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"milestone":   view,
					"attachments": attachments,
				})
			})
		},
	}
	return cmd
}

func milestoneApproversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvers <id>",
		Short: "List approver assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Approvers(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Assignment", "Actor", "Name", "Verdict", "Voted at"})
				for _, a := range items {
					verdict := "pending"
					if a.HasApproved != nil {
						if *a.HasApproved {
							verdict = "approved"
						} else {
							verdict = "rejected"
						}
					}
					voted := ""
					if a.ApprovalDate != nil {
						voted = *a.ApprovalDate
					}
					tw.AppendRow(table.Row{a.ID, a.ActorID, a.ActorName, verdict, voted})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func milestoneVoteCmd() *cobra.Command {
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "vote <assignment-id>",
		Short: "Cast a vote on an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CastVote(ctx, engine.VoteOptions{
					AssignmentID: id,
					VoterID:      viper.GetString("actor-id"),
					Approve:      approve,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "vote to approve")
	cmd.Flags().BoolVar(&reject, "reject", false, "vote to reject")
	return cmd
}

func milestoneDecideCmd() *cobra.Command {
	var statusType, comments, passedDate string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Decide a milestone instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Decide(ctx, engine.DecideOptions{
					InstanceID:   id,
					DeciderID:    viper.GetString("actor-id"),
					StatusTypeID: statusType,
					Comments:     comments,
					PassedDate:   passedDate,
				})
				if err != nil {
					return err
				}
				view, err := e.ViewInstance(ctx, inst.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().StringVar(&statusType, "status-type", "", "status type id")
	cmd.Flags().StringVar(&comments, "comments", "", "decision comments")
	cmd.Flags().StringVar(&passedDate, "passed-date", "", "passed date (RFC3339 or YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("status-type")
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{
		Use:   "catalog",
		Short: "Milestone and status type catalog",
	}
	cat.AddCommand(&cobra.Command{
		Use:   "milestones",
		Short: "List milestone definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMilestoneDefinitions(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	statusTypes := &cobra.Command{
		Use:   "status-types",
		Short: "List status types",
		RunE: func(cmd *cobra.Command, args []string) error {
			selectable, _ := cmd.Flags().GetBool("selectable")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStatusTypes(ctx, selectable)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	statusTypes.Flags().Bool("selectable", false, "only selectable status types")
	cat.AddCommand(statusTypes)
	return cat
}

func notificationCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "notification",
		Short: "Inspect notifications",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, _ := cmd.Flags().GetString("recipient")
			unread, _ := cmd.Flags().GetBool("unread")
			if recipient == "" {
				recipient = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, repo.NotificationFilters{
					RecipientID: recipient,
					UnreadOnly:  unread,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().String("recipient", "", "recipient actor id (defaults to --actor-id)")
	list.Flags().Bool("unread", false, "only unread notifications")
	n.AddCommand(list)
	n.AddCommand(&cobra.Command{
		Use:   "read <id>",
		Short: "Mark notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.MarkNotificationRead(ctx, id)
			})
		},
	})
	return n
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: requests, reviews, votes, decisions, and freezes.",
	}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var initiative, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, initiative, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&initiative, "initiative", "", "initiative filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ActorRoles(ctx, actorID)
				if err != nil {
					return err
				}
				perms, err := e.Auth.ActorPermissions(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id":    actorID,
					"roles":       roles,
					"permissions": perms,
				})
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.AssignRole(ctx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeRole(ctx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	})
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			secret := uuid.NewString()
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actorID,
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				for i := range items {
					items[i].KeyHash = ""
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func webhookCmd() *cobra.Command {
	hook := &cobra.Command{Use: "webhook", Short: "Manage webhooks"}
	hook.AddCommand(webhookAddCmd())
	hook.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWebhooks(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	hook.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteWebhook(ctx, id)
			})
		},
	})
	return hook
}

func webhookAddCmd() *cobra.Command {
	var url, eventTypes string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cursor, err := r.LatestEventID(ctx, "")
				if err != nil {
					return err
				}
				hook := repo.Webhook{
					ID:         uuid.NewString(),
					URL:        url,
					EventTypes: eventTypes,
					Cursor:     cursor,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertWebhook(ctx, hook); err != nil {
					return err
				}
				return printJSONOrTable(hook)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "endpoint URL")
	cmd.Flags().StringVar(&eventTypes, "events", "", "comma-separated event types (empty for all)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Bootstrap(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GATELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, cfg, err := app.Bootstrap(ctx, workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, _, err := app.Bootstrap(ctx, workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
