package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"gigline/internal/app"
	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/engine/auth"
	"gigline/internal/escrow"
	"gigline/internal/migrate"
	"gigline/internal/repo"
	"gigline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gigline CLI",
	Long: `Gigline runs the hiring side of a freelance marketplace.
- Gigs: jobs posted by a company with a budget.
- Applications: a freelancer's bid on a gig, carrying an iteration budget (how many revisions the company may ask for).
- Escrow: the company pays into a provider order; the payment verification is what accepts an applicant.
- Projects: the delivered work, reviewed until it is approved (escrow released to the wallet) or rejected.
- Wallet: freelancer earnings; withdrawals are approved by an admin and then paid out.
Configuration lives in gigline.yml in the workspace; secrets come from the environment or the workspace .env.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GIGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "admin actor recorded for operator commands")
	rootCmd.PersistentFlags().String("log-level", "", "override config log level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(gigCmd())
	rootCmd.AddCommand(subscriptionCmd())
	rootCmd.AddCommand(applicationCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(withdrawalCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(logCmd())
}

func operator() auth.Actor {
	return auth.Actor{ID: viper.GetString("actor-id"), Role: domain.RoleAdmin}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacy, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("GIGLINE_JWT_SECRET is required for bearer auth (gl token init-secret writes one to .env)")
			}
			return withApp(func(a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:    a.Engine,
					BasePath:  basePath,
					RateLimit: cfg.Server.RateLimit,
					Logger:    a.Logger,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: legacy,
						DevLogin:               devLogin,
					},
				})
				if err != nil {
					return err
				}
				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				go a.Dispatcher.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("webhooks", a.Dispatcher.Enabled()),
					zap.Bool("dev_login", devLogin))
				fmt.Printf("Serving Gigline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&legacy, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id/X-Actor-Role headers")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				v, err := migrate.Version(a.DB)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"database": db.Path(a.Workspace), "version": v})
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage gigline.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default gigline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Payments.KeySecret != "" {
				shown.Payments.KeySecret = "********"
			}
			return printJSONOrTable(shown)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate gigline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
}

func gigCmd() *cobra.Command {
	g := &cobra.Command{Use: "gig", Short: "Manage gigs"}
	g.AddCommand(gigCreateCmd())
	g.AddCommand(gigListCmd())
	g.AddCommand(gigShowCmd())
	return g
}

func gigCreateCmd() *cobra.Command {
	var in engine.GigInput
	var company string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a gig on behalf of a company",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				gig, err := a.Engine.CreateGig(cmd.Context(), auth.Actor{ID: company, Role: domain.RoleHiring}, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(gig)
			})
		},
	}
	cmd.Flags().StringVar(&company, "company", "", "company actor id")
	cmd.Flags().StringVar(&in.ID, "id", "", "gig id (generated when empty)")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().Int64Var(&in.Budget, "budget", 0, "budget in major currency units")
	cmd.Flags().StringVar(&in.Currency, "currency", "", "currency (default from config)")
	cmd.Flags().StringVar(&in.Status, "status", "", "draft, published or active")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("budget")
	return cmd
}

func gigListCmd() *cobra.Command {
	var company, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gigs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				gigs, err := a.Engine.Repo.ListGigs(cmd.Context(), company, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gigs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Company", "Budget", "Status", "Selected"})
				for _, g := range gigs {
					tw.AppendRow(table.Row{g.ID, g.Title, g.CompanyID, fmt.Sprintf("%d %s", g.Budget, g.Currency), g.Status, deref(g.SelectedFreelancer)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&company, "company", "", "company filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func gigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a gig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				gig, err := a.Engine.Repo.GetGig(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(gig)
			})
		},
	}
}

func subscriptionCmd() *cobra.Command {
	s := &cobra.Command{Use: "subscription", Short: "Manage freelancer subscriptions"}
	s.AddCommand(subscriptionSetCmd())
	s.AddCommand(subscriptionShowCmd())
	return s
}

func subscriptionSetCmd() *cobra.Command {
	var sub domain.Subscription
	var days int
	var reset bool
	cmd := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Create or replace a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub.UserID = args[0]
			sub.EndDate = time.Now().UTC().AddDate(0, 0, days).Format(time.RFC3339)
			return withApp(func(a *app.App) error {
				out, err := a.Engine.SetSubscription(cmd.Context(), sub, reset)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&sub.Plan, "plan", "basic", "plan name")
	cmd.Flags().StringVar(&sub.Status, "status", "active", "active, cancelled or expired")
	cmd.Flags().IntVar(&sub.MaxApplications, "max-applications", 10, "application quota (-1 for unlimited)")
	cmd.Flags().IntVar(&days, "days", 30, "days until the subscription ends")
	cmd.Flags().BoolVar(&reset, "reset-usage", false, "reset the submitted application count")
	return cmd
}

func subscriptionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a subscription and its usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				sub, err := a.Engine.Repo.GetSubscription(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
}

func applicationCmd() *cobra.Command {
	c := &cobra.Command{Use: "application", Short: "Inspect applications"}
	c.AddCommand(applicationListCmd())
	return c
}

func applicationListCmd() *cobra.Command {
	var gigID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications for a gig",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				apps, err := a.Engine.ListApplications(cmd.Context(), operator(), gigID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(apps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Freelancer", "Status", "Iterations", "Agreed", "Order"})
				for _, ap := range apps {
					agreed := ""
					if ap.FinalAgreedBudget != nil {
						agreed = fmt.Sprint(*ap.FinalAgreedBudget)
					}
					tw.AppendRow(table.Row{ap.ID, ap.FreelancerID, ap.Status,
						fmt.Sprintf("%d/%d", ap.UsedIterations, ap.TotalIterations), agreed, deref(ap.EscrowOrderID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&gigID, "gig", "", "gig id")
	_ = cmd.MarkFlagRequired("gig")
	return cmd
}

func walletCmd() *cobra.Command {
	w := &cobra.Command{Use: "wallet", Short: "Inspect and adjust freelancer wallets"}
	w.AddCommand(walletShowCmd())
	w.AddCommand(walletCreditCmd())
	return w
}

func walletShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <freelancer-id>",
		Short: "Show a wallet and its recent transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				view, err := a.Engine.GetWallet(cmd.Context(), operator(), args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				w := view.Wallet
				fmt.Printf("%s: balance %d %s (earned %d, withdrawn %d, pending %d)\n",
					w.FreelancerID, w.Balance, w.Currency, w.TotalEarned, w.TotalWithdrawn, w.PendingAmount)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Type", "Amount", "Balance", "Source"})
				for _, t := range view.Transactions {
					tw.AppendRow(table.Row{t.CreatedAt, t.Type, t.Amount, t.BalanceAfter, t.SourceRef})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "transactions to show")
	return cmd
}

func walletCreditCmd() *cobra.Command {
	var amount int64
	var source string
	cmd := &cobra.Command{
		Use:   "credit <freelancer-id>",
		Short: "Credit earnings to a wallet (idempotent per --source)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				w, err := a.Engine.Credit(cmd.Context(), args[0], amount, source)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in major currency units")
	cmd.Flags().StringVar(&source, "source", "", "source reference, e.g. a payment id")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func withdrawalCmd() *cobra.Command {
	w := &cobra.Command{Use: "withdrawal", Short: "Review freelancer withdrawals"}
	w.AddCommand(withdrawalListCmd())
	w.AddCommand(withdrawalProcessCmd())
	w.AddCommand(withdrawalCompleteCmd())
	return w
}

func withdrawalListCmd() *cobra.Command {
	var status, payee string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List withdrawals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				items, err := a.Engine.ListWithdrawals(cmd.Context(), operator(), status, payee, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Payee", "Amount", "Status", "Method", "Requested"})
				for _, p := range items {
					method := ""
					if p.Payout != nil {
						method = p.Payout.Method
					}
					tw.AppendRow(table.Row{p.ID, p.PayeeID, fmt.Sprintf("%d %s", p.Amount, p.Currency), p.Status, method, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&payee, "payee", "", "freelancer filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func withdrawalProcessCmd() *cobra.Command {
	var reject bool
	var note string
	cmd := &cobra.Command{
		Use:   "process <id>",
		Short: "Approve (or --reject) a pending withdrawal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome := engine.WithdrawalApprove
			if reject {
				outcome = engine.WithdrawalReject
			}
			return withApp(func(a *app.App) error {
				p, err := a.Engine.ResolveWithdrawal(cmd.Context(), operator(), args[0], outcome, optionalString(note))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject and return the amount to the wallet")
	cmd.Flags().StringVar(&note, "note", "", "note recorded in the status history")
	return cmd
}

func withdrawalCompleteCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark an approved withdrawal as paid out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				p, err := a.Engine.CompleteWithdrawal(cmd.Context(), operator(), args[0], optionalString(note))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "payout reference")
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Manage bearer tokens"}
	t.AddCommand(tokenMintCmd())
	t.AddCommand(tokenInitSecretCmd())
	return t
}

func tokenMintCmd() *cobra.Command {
	var actorID, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a JWT signed with GIGLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt-secret"), actorID, role, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "freelancer, hiring or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func tokenInitSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-secret",
		Short: "Generate GIGLINE_JWT_SECRET into the workspace .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := randomHex(32)
			if err != nil {
				return err
			}
			path := filepath.Join(viper.GetString("workspace"), ".env")
			if err := setEnvValue(path, "GIGLINE_JWT_SECRET", secret); err != nil {
				return err
			}
			fmt.Printf("Set GIGLINE_JWT_SECRET in %s\n", path)
			return nil
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyRevokeCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.ValidRole(role) {
				return fmt.Errorf("--role must be freelancer, hiring or admin")
			}
			secret, err := randomHex(24)
			if err != nil {
				return err
			}
			key := repo.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actorID,
				Role:      role,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withApp(func(a *app.App) error {
				if err := a.Engine.Repo.InsertAPIKey(cmd.Context(), key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": actorID, "role": role, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "freelancer, hiring or admin")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(cmd.Context(), actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(cmd.Context(), args[0])
			})
		},
	}
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Inspect and deliver queued notifications"}
	n.AddCommand(notifyListCmd())
	n.AddCommand(notifyDispatchCmd())
	return n
}

func notifyListCmd() *cobra.Command {
	var recipient string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				items, err := a.Engine.Repo.ListNotifications(cmd.Context(), recipient, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Recipient", "Kind", "Created", "Delivered", "Attempts"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.RecipientID, n.Kind, n.CreatedAt, deref(n.DeliveredAt), n.Attempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func notifyDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver one batch of queued notifications to the configured webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if !a.Dispatcher.Enabled() {
					return fmt.Errorf("no webhooks configured")
				}
				n, err := a.Dispatcher.DispatchOnce(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"delivered": n})
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read the audit event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var gigID string
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events in order, starting after --after",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				evts, err := a.Engine.Repo.EventsAfter(cmd.Context(), limit, after, gigID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				for _, e := range evts {
					fmt.Printf("%d %s %s %s/%s by %s %s\n", e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID, e.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&gigID, "gig", "", "gig filter")
	cmd.Flags().Int64Var(&after, "after", 0, "event id to start after")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events")
	return cmd
}

func withApp(fn func(*app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), app.Options{LogLevel: viper.GetString("log-level")})
	if err != nil {
		return err
	}
	defer a.Close()
	applySecrets(a)
	return fn(a)
}

// applySecrets lets the environment supply provider credentials that should
// not live in gigline.yml.
func applySecrets(a *app.App) {
	changed := false
	if v := viper.GetString("payments-key-id"); v != "" {
		a.Config.Payments.KeyID = v
		changed = true
	}
	if v := viper.GetString("payments-key-secret"); v != "" {
		a.Config.Payments.KeySecret = v
		changed = true
	}
	if v := viper.GetString("payments-provider-url"); v != "" {
		a.Config.Payments.ProviderURL = v
		changed = true
	}
	if changed {
		a.Engine.Gateway = escrow.NewClient(engine.EscrowConfig(a.Config), a.Logger)
	}
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

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
