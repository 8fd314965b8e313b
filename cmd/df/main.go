package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"deedflow/internal/app"
	"deedflow/internal/config"
	"deedflow/internal/db"
	"deedflow/internal/domain"
	"deedflow/internal/engine"
	"deedflow/internal/migrate"
	"deedflow/internal/repo"
	"deedflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "df",
	Short: "Deedflow CLI",
	Long: `Deedflow routes land-registration filings through an office's desks.
Core concepts:
- Workspace: your .deedflow directory with only the database; office configs are stored in the DB and imported explicitly.
- Office: a recorder office that owns transactions; its config binds the workflow model (transition rules, guards, command roles).
- Transaction: one filing moving payment -> received -> control -> ... -> delivered/returned/archived.
- Task chain: the audit trail; exactly one open task holds the transaction at any time.
- Commands: the verbs clerks invoke (take, set_next_status, finish, sign, ...); roles decide who may invoke what.
- Event log: diary of every state change, view with 'df log tail'.`,
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
	viper.SetEnvPrefix("DEEDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("office", "", "office id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("office", rootCmd.PersistentFlags().Lookup("office"))
}

func registerCommands() {
	rootCmd.AddCommand(officeCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(receiveCmd())
	rootCmd.AddCommand(takeCmd())
	rootCmd.AddCommand(nextStatusCmd())
	rootCmd.AddCommand(returnToMeCmd())
	rootCmd.AddCommand(reentryCmd())
	rootCmd.AddCommand(pullCmd())
	rootCmd.AddCommand(finishCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(unsignCmd())
	rootCmd.AddCommand(unarchiveCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(commandsCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func officeCmd() *cobra.Command {
	off := &cobra.Command{Use: "office", Short: "Manage offices"}
	off.AddCommand(officeCreateCmd())
	off.AddCommand(officeListCmd())
	off.AddCommand(officeShowCmd())
	return off
}

func officeCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create office",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.InitOffice(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "office id")
	cmd.Flags().StringVar(&name, "name", "", "office name")
	return cmd
}

func officeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List offices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOffices(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func officeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show office",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := r.GetOffice(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect office config",
		Long:  "Config is the office's rulebook (stored in DB): the transition rule table, guard bindings, and command-to-role map. Import from deedflow.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import deedflow.yml into the office's stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertOfficeConfig(ctx, cfg.Office.ID, cfg); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"office": cfg.Office.ID, "imported": true})
				}
				fmt.Printf("imported config for office %s\n", cfg.Office.ID)
				return nil
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
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
	}
	return cmd
}

func txCmd() *cobra.Command {
	tx := &cobra.Command{Use: "tx", Short: "Manage transactions"}
	tx.AddCommand(txCreateCmd())
	tx.AddCommand(txListCmd())
	tx.AddCommand(txShowCmd())
	tx.AddCommand(txChainCmd())
	tx.AddCommand(txNextStatusesCmd())
	tx.AddCommand(txDeleteCmd())
	return tx
}

func txCreateCmd() *cobra.Command {
	var opts engine.OpenOptions
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a transaction at the payment desk",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind = domain.ResourceKind(kind)
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.OfficeID == "" {
					opts.OfficeID = e.Config.Office.ID
				}
				txn, err := e.OpenTransaction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "transaction id (random UUID if omitted)")
	cmd.Flags().StringVar(&opts.OfficeID, "office-id", "", "office id")
	cmd.Flags().StringVar(&kind, "kind", string(domain.ResourceRealEstate), "resource kind (real_estate|association|no_property)")
	cmd.Flags().BoolVar(&opts.CertificateIssue, "certificate-issue", false, "certificate issuance filing")
	cmd.Flags().BoolVar(&opts.ElaborationOnly, "elaboration-only", false, "elaboration-only filing")
	cmd.Flags().BoolVar(&opts.Archivable, "archivable", false, "eligible for archival")
	cmd.Flags().StringVar(&opts.DeliveryMessageUID, "delivery-message-uid", "", "electronic delivery message uid")
	return cmd
}

func txListCmd() *cobra.Command {
	var f repo.TransactionFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.OfficeID == "" {
					f.OfficeID = e.Config.Office.ID
				}
				if status != "" && status != string(domain.StatusAll) {
					s, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					f.Status = s
				}
				items, err := e.Repo.ListTransactions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Control#", "Kind", "Status", "Signed", "Presented", "Closed"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.ControlNumber, t.Kind, t.Status, t.Signed, t.PresentedAt, t.ClosedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OfficeID, "office-id", "", "office id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Responsible, "responsible", "", "current holder filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func txShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.Repo.GetTransaction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	return cmd
}

func txChainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain <id>",
		Short: "Show the transaction's task chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.TaskChain(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Next", "Responsible", "State", "Check-in", "Check-out"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.CurrentStatus, t.NextStatus, t.Responsible, t.State, t.CheckInTime, t.CheckOutTime})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func txNextStatusesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next-statuses <id>",
		Short: "List statuses the open task may propose",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				statuses, err := e.NextStatuses(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(statuses)
			})
		},
	}
	return cmd
}

func txDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete transaction (only before it passes the control desk)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.Delete(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	return cmd
}

func receiveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "receive <id>",
		Short: "Receive a paid filing and assign its control number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.Receive(ctx, args[0], notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "task notes")
	return cmd
}

func takeCmd() *cobra.Command {
	var opts engine.TakeOptions
	var at string
	cmd := &cobra.Command{
		Use:   "take <id>",
		Short: "Take the transaction onto your desk at its proposed status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				opts.At = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.Take(ctx, args[0], viper.GetString("actor-id"), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Responsible, "responsible", "", "assign the new task to this actor instead")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "task notes")
	cmd.Flags().StringVar(&at, "at", "", "check-in time override (RFC3339)")
	return cmd
}

func nextStatusCmd() *cobra.Command {
	var status, contact, notes string
	cmd := &cobra.Command{
		Use:   "next-status <id>",
		Short: "Propose the open task's next status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseStatus(status)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.SetNextStatus(ctx, args[0], viper.GetString("actor-id"), s, contact, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "next status")
	cmd.Flags().StringVar(&contact, "contact", "", "next contact")
	cmd.Flags().StringVar(&notes, "notes", "", "task notes")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func returnToMeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "return-to-me <id>",
		Short: "Withdraw the open task's proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.ReturnToMe(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	return cmd
}

func reentryCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "reentry <id>",
		Short: "Reopen a delivered or returned transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.Reentry(ctx, args[0], notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "task notes")
	return cmd
}

func pullCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "pull <id>",
		Short: "Pull the transaction back to the control desk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.PullToControlDesk(ctx, args[0], viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "task notes")
	return cmd
}

func finishCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "finish <id>",
		Short: "Hand the transaction over at the delivery or return counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.Finish(ctx, args[0], notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "task notes")
	return cmd
}

func deliverCmd() *cobra.Command {
	del := &cobra.Command{Use: "deliver", Short: "Electronic delivery"}
	del.AddCommand(deliverAgencyCmd())
	del.AddCommand(deliverRequesterCmd())
	return del
}

func deliverAgencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agency <id>",
		Short: "Close the transaction as delivered to the requesting agency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.DeliverElectronicallyToAgency(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	return cmd
}

func deliverRequesterCmd() *cobra.Command {
	var messageUID string
	cmd := &cobra.Command{
		Use:   "requester <id>",
		Short: "Close the transaction on the requester's delivery confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.DeliverElectronicallyToRequester(ctx, args[0], messageUID)
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	cmd.Flags().StringVar(&messageUID, "message-uid", "", "delivery message uid")
	_ = cmd.MarkFlagRequired("message-uid")
	return cmd
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Mark the transaction signed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.Sign(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	return cmd
}

func unsignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unsign <id>",
		Short: "Clear the transaction's signature mark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.Unsign(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	return cmd
}

func unarchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unarchive <id>",
		Short: "Reopen an archived transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.Unarchive(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	return cmd
}

func assignCmd() *cobra.Command {
	var responsible string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Reassign the open task to another actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.AssignTo(ctx, args[0], viper.GetString("actor-id"), responsible)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&responsible, "to", "", "actor id to assign to")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func commandsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "commands",
		Short: "Command discovery",
		Long:  "Shows which workflow verbs the current actor may invoke: per transaction, intersected across a selection, or the role-wide palette.",
	}
	c.AddCommand(commandsShowCmd())
	c.AddCommand(commandsAggregateCmd())
	c.AddCommand(commandsPaletteCmd())
	return c
}

func commandsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Commands applicable to one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cmds, err := e.ApplicableCommands(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cmds)
			})
		},
	}
	return cmd
}

func commandsAggregateCmd() *cobra.Command {
	var txIDs []string
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Commands applicable to every selected transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(txIDs) == 0 {
				return fmt.Errorf("--tx required at least once")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agg := e.NewAggregator(viper.GetString("actor-id"))
				for _, id := range txIDs {
					if err := agg.Add(ctx, id); err != nil {
						return err
					}
				}
				return printJSONOrTable(agg.Commands())
			})
		},
	}
	cmd.Flags().StringArrayVar(&txIDs, "tx", []string{}, "transaction id (repeatable)")
	return cmd
}

func commandsPaletteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "palette",
		Short: "Commands the actor's roles permit in this office",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cmds, err := e.UserCommands(ctx, e.Config.Office.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cmds)
			})
		},
	}
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
		Short: "Show current actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				roles, err := e.Repo.ActorRoles(ctx, e.Config.Office.ID, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor":  actor,
					"office": e.Config.Office.ID,
					"roles":  roles,
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Office.ID, target, role, viper.GetString("actor-id"))
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Office.ID, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name, actor string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			secret, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":    key.ID,
					"actor": key.ActorID,
					"name":  key.Name,
					"key":   secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: receipts, takes, proposals, closures, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Office.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveOfficeAndConfig(cmd.Context(), viper.GetString("office"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("DEEDFLOW_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DEEDFLOW_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Deedflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept the deprecated X-Actor-Id header")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveOfficeAndConfig(ctx, viper.GetString("office"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "dfk_" + hex.EncodeToString(buf), nil
}
