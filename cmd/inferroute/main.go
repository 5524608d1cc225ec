package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zen-systems/inferroute/pkg/config"
	"github.com/zen-systems/inferroute/pkg/dispatch"
	"github.com/zen-systems/inferroute/pkg/policy"
	"github.com/zen-systems/inferroute/pkg/redact"
	"github.com/zen-systems/inferroute/pkg/router"
	"github.com/zen-systems/inferroute/pkg/server"
)

var (
	configFile string
	debugFlag  bool
	aliases    *config.ArmAliases
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inferroute",
		Short: "Cost-aware LLM inference router using your own provider keys",
		Long: `inferroute classifies each prompt, picks a provider/model arm with a
	learned cost/quality model under privacy, region, budget and health
	constraints, and calls the provider with your own API key.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to routing config file (YAML or TOML)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(redactCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(armsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addr string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP routing API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.ListenAddr
			}

			logger, err := newLogger(cfg, true)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := buildStack(ctx, cfg, logger, stackOptions{})
			if err != nil {
				return err
			}
			defer st.store.Close()

			srv, err := server.New(server.Options{
				Dispatcher:       st.dispatcher,
				Catalog:          st.catalog,
				Health:           st.health,
				Budget:           st.ledger,
				Bandit:           st.bandit,
				Savings:          st.savings,
				Store:            st.store,
				SnapshotInterval: interval,
				Credentials:      cfg.Credentials,
				Privacy:          cfg.PrivacyMode,
				Region:           cfg.Region,
				JWTSecret:        cfg.JWTSecret,
				RateLimit:        cfg.RateLimit,
				Logger:           logger.Named("server"),
			})
			if err != nil {
				return err
			}

			logger.Info("starting inferroute",
				zap.String("privacy", string(cfg.PrivacyMode)),
				zap.String("region", string(cfg.Region)),
				zap.Strings("providers", cfg.ConfiguredProviders()),
				zap.Float64("daily_budget_usd", cfg.DailyBudgetUSD),
				zap.String("store", cfg.Store))

			err = srv.Run(ctx, addr)
			logger.Info(st.savings.Summary())
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from INFERROUTE_LISTEN_ADDR)")
	cmd.Flags().DurationVar(&interval, "snapshot-interval", time.Minute, "how often learning state is saved")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		armFlag     string
		hintFlag    string
		privacyFlag string
		regionFlag  string
		budgetFlag  float64
		maxTokens   int
		mockFlag    bool
		jsonFlag    bool
	)

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Route a prompt to the best eligible provider",
		Long: `Classifies the prompt, selects an arm and calls it with your key.
	Use --arm to pin a specific arm or alias. Routing metadata goes to stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !mockFlag {
				if err := cfg.RequireCredentials(); err != nil {
					return err
				}
			}

			privacy, err := policy.ParsePrivacyMode(privacyFlag, cfg.PrivacyMode)
			if err != nil {
				return err
			}
			region, err := policy.ParseRegion(regionFlag, cfg.Region)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg, false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			st, err := buildStack(ctx, cfg, logger, stackOptions{mock: mockFlag})
			if err != nil {
				return err
			}

			creds := cfg.Credentials
			if mockFlag {
				creds = make(map[string]string)
				for _, p := range st.catalog.Providers() {
					creds[p.Name] = "mock"
				}
			}

			req := &dispatch.Request{
				Prompt:            args[0],
				TaskHint:          hintFlag,
				Privacy:           privacy,
				Region:            region,
				Credentials:       creds,
				BudgetOverrideUSD: budgetFlag,
				MaxTokens:         maxTokens,
			}
			if armFlag != "" {
				req.PinnedArms = []string{aliases.Resolve(armFlag)}
			}

			resp, routeErr := st.dispatcher.Route(ctx, req)
			if err := st.persist(context.Background()); err != nil {
				logger.Warn("failed to save state", zap.Error(err))
			}
			if routeErr != nil {
				return routeErr
			}

			if jsonFlag {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			fmt.Fprintf(os.Stderr, "Routed %s task to %s (cost $%.6f, saved $%.6f, %s",
				resp.Category, resp.Arm, resp.CostUSD, resp.SavingsUSD, resp.Latency.Round(time.Millisecond))
			if resp.Failover {
				fmt.Fprint(os.Stderr, ", failover")
			}
			if resp.Redacted {
				fmt.Fprint(os.Stderr, ", redacted")
			}
			fmt.Fprintln(os.Stderr, ")")
			fmt.Println(resp.Content)
			fmt.Fprintln(os.Stderr, st.savings.Summary())
			return nil
		},
	}

	cmd.Flags().StringVarP(&armFlag, "arm", "a", "", "pin an arm key or alias (e.g. sonnet, openai/gpt-4o)")
	cmd.Flags().StringVar(&hintFlag, "hint", "", "task hint: code, research, creative, chat, other")
	cmd.Flags().StringVar(&privacyFlag, "privacy", "", "privacy mode: standard, enhanced, max")
	cmd.Flags().StringVar(&regionFlag, "region", "", "region: any, eu, us")
	cmd.Flags().Float64Var(&budgetFlag, "budget", 0, "per-request daily cap override in USD")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "completion token limit")
	cmd.Flags().BoolVar(&mockFlag, "mock", false, "use local mock providers")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the full response as JSON")
	return cmd
}

func classifyCmd() *cobra.Command {
	var hintFlag string

	cmd := &cobra.Command{
		Use:   "classify [prompt]",
		Short: "Show the task category a prompt would be routed under",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			decision := router.NewClassifier(cfg.RoutingConfig).Classify(args[0], hintFlag)
			fmt.Printf("Category:   %s\n", decision.Category)
			fmt.Printf("Confidence: %.2f\n", decision.Confidence)
			if decision.Ambiguous {
				fmt.Println("Ambiguous:  yes")
			}
			for _, reason := range decision.Reasons {
				fmt.Printf("  - %s\n", reason)
			}
			if len(decision.Candidates) > 0 {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "\nCANDIDATE\tSCORE\tTRIGGERS")
				for _, c := range decision.Candidates {
					fmt.Fprintf(w, "%s\t%d\t%s\n", c.Category, c.Score, strings.Join(c.Triggers, ", "))
				}
				return w.Flush()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&hintFlag, "hint", "", "declared task hint")
	return cmd
}

func redactCmd() *cobra.Command {
	var privacyFlag string
	var detectFlag bool

	cmd := &cobra.Command{
		Use:   "redact [text]",
		Short: "Show what would be redacted before a prompt leaves the process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := policy.ParsePrivacyMode(privacyFlag, policy.PrivacyEnhanced)
			if err != nil {
				return err
			}
			r := redact.New()
			if detectFlag {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TYPE\tSTART\tEND\tTEXT")
				for _, d := range r.Detect(args[0]) {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", d.Type, d.Start, d.End, d.Value)
				}
				return w.Flush()
			}
			out, _ := r.Redact(args[0], mode)
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&privacyFlag, "privacy", "", "privacy mode: standard, enhanced, max")
	cmd.Flags().BoolVar(&detectFlag, "detect", false, "list detections instead of redacting")
	return cmd
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show classification rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tTRIGGERS")

			var categories []string
			for name := range cfg.RoutingConfig.Categories {
				categories = append(categories, name)
			}
			sort.Strings(categories)

			for _, name := range categories {
				fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(cfg.RoutingConfig.Categories[name].Triggers, ", "))
			}

			fmt.Fprintln(w)
			fmt.Fprintf(w, "BASELINE\t%s\n", cfg.RoutingConfig.Baseline.Key())
			return w.Flush()
		},
	}
}

func armsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "arms",
		Short: "List provider/model arms, prices and key status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			st, err := buildStack(cmd.Context(), cfg, zap.NewNop(), stackOptions{})
			if err != nil {
				return err
			}
			defer st.store.Close()

			byKey := make(map[string][]string)
			for _, name := range aliases.Names() {
				key := aliases.Resolve(name)
				byKey[key] = append(byKey[key], name)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ARM\t$/1K IN\t$/1K OUT\tREGIONS\tNO-RETENTION\tKEY\tBREAKER\tALIASES")
			for _, arm := range st.catalog.Arms() {
				p, _ := st.catalog.Provider(arm.Provider)
				regions := make([]string, 0, len(p.Regions))
				for _, r := range p.Regions {
					regions = append(regions, string(r))
				}
				key := "missing"
				if cfg.HasProvider(arm.Provider) {
					key = "ok"
				}
				fmt.Fprintf(w, "%s\t%.5f\t%.5f\t%s\t%t\t%s\t%s\t%s\n",
					arm.Key(), arm.Pricing.PromptPer1K, arm.Pricing.CompletionPer1K,
					formatList(regions), p.NoRetention, key, st.health.State(arm.Provider),
					formatList(byKey[arm.Key()]))
			}
			return w.Flush()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show mode, providers, budget and breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			st, err := buildStack(cmd.Context(), cfg, zap.NewNop(), stackOptions{})
			if err != nil {
				return err
			}
			defer st.store.Close()

			fmt.Printf("Mode:      byok\n")
			fmt.Printf("Privacy:   %s\n", cfg.PrivacyMode)
			fmt.Printf("Region:    %s\n", cfg.Region)
			fmt.Printf("Providers: %s\n", formatList(cfg.ConfiguredProviders()))
			fmt.Printf("Store:     %s\n", cfg.Store)

			usage := st.ledger.Usage(dispatch.DefaultAccount)
			if remaining, limited := st.ledger.Remaining(dispatch.DefaultAccount, 0); limited {
				fmt.Printf("Budget:    $%.4f spent of $%.2f today, $%.4f remaining\n", usage.SpentUSD, usage.CapUSD, remaining)
			} else {
				fmt.Printf("Budget:    $%.4f spent today, unlimited\n", usage.SpentUSD)
			}

			states := st.health.Snapshot()
			if len(states) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\nPROVIDER\tBREAKER\tFAILURES\tSINCE")
			for _, s := range states {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Provider, s.State, s.ConsecutiveFailures, s.ChangedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the routing config and arm aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if errs := aliases.Validate(cfg.RoutingConfig); len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintf(os.Stderr, "  - %v\n", e)
				}
				return fmt.Errorf("%d alias errors", len(errs))
			}
			fmt.Println("Routing config is valid.")
			return nil
		},
	}
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadWithRoutingFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if debugFlag {
		cfg.Debug = true
	}

	aliases, _ = config.LoadAliasesWithFallback()
	return cfg, nil
}

func newLogger(cfg *config.Config, service bool) (*zap.Logger, error) {
	switch {
	case cfg.Debug:
		return zap.NewDevelopment()
	case service:
		return zap.NewProduction()
	default:
		return zap.NewNop(), nil
	}
}
