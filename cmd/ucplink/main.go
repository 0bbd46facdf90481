package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ucplink/internal/config"
	"ucplink/internal/db"
	"ucplink/internal/domain"
	"ucplink/internal/engine"
	"ucplink/internal/events"
	"ucplink/internal/keys"
	"ucplink/internal/migrate"
	"ucplink/internal/negotiation"
	"ucplink/internal/notify"
	"ucplink/internal/profile"
	"ucplink/internal/repo"
	"ucplink/internal/server"
	"ucplink/internal/signer"
)

var rootCmd = &cobra.Command{
	Use:   "ucplink",
	Short: "UCP business-side commerce server",
	Long: `ucplink exposes a product catalog to UCP platforms: capability
negotiation, checkout sessions, order completion, and signed
order-update webhooks. State lives in a .ucplink sqlite workspace.`,
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
	viper.SetEnvPrefix("UCPLINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

type env struct {
	Config   *config.Config
	Repo     repo.Repo
	Engine   *engine.Engine
	Keys     *keys.Store
	Resolver *profile.Resolver
}

func withEnv(ctx context.Context, fn func(context.Context, env) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	ks := &keys.Store{Repo: r}
	resolver := profile.NewResolver()
	eng := &engine.Engine{
		DB:         conn,
		Repo:       r,
		Events:     events.Writer{DB: conn},
		Config:     cfg,
		Negotiator: &negotiation.Engine{Resolver: resolver, Config: cfg},
		Notifier:   notify.New(r, &signer.Signer{Keys: ks}),
	}
	return fn(ctx, env{Config: cfg, Repo: r, Engine: eng, Keys: ks, Resolver: resolver})
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the UCP HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				handler, err := server.New(server.Config{
					Engine:   e.Engine,
					Keys:     e.Keys,
					App:      e.Config,
					BasePath: basePath,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving UCP API on http://%s%s (manifest at /.well-known/ucp)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/ucp/v1", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage ucplink.yml"}
	var baseURL string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default ucplink.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(baseURL)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&baseURL, "base-url", "https://business.example", "public base URL of this business")
	cfg.AddCommand(initCmd)

	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func profileCmd() *cobra.Command {
	p := &cobra.Command{Use: "profile", Short: "Capability manifests"}
	p.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the business capability manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				jwks, err := e.Keys.PublicJWKs(ctx)
				if err != nil {
					return err
				}
				return printJSON(profile.Business(e.Config, jwks))
			})
		},
	})
	fetch := &cobra.Command{
		Use:   "fetch <profile-url>",
		Short: "Fetch and validate a platform manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				manifest, err := e.Resolver.Fetch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(manifest)
			})
		},
	}
	p.AddCommand(fetch)
	return p
}

func keysCmd() *cobra.Command {
	k := &cobra.Command{Use: "keys", Short: "Signing keys"}
	k.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the public signing key set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				jwks, err := e.Keys.PublicJWKs(ctx)
				if err != nil {
					return err
				}
				return printJSON(jwks)
			})
		},
	})
	return k
}

func productCmd() *cobra.Command {
	p := &cobra.Command{Use: "product", Short: "Manage the product catalog"}

	var name, sku, currency string
	var priceCents int64
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				prod, err := e.Repo.InsertProduct(ctx, domain.Product{
					Name:       name,
					SKU:        sku,
					PriceCents: priceCents,
					Currency:   currency,
					Active:     true,
				})
				if err != nil {
					return err
				}
				return printJSON(prod)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "product name")
	add.Flags().StringVar(&sku, "sku", "", "sku")
	add.Flags().Int64Var(&priceCents, "price-cents", 0, "unit price in minor units")
	add.Flags().StringVar(&currency, "currency", "EUR", "ISO currency code")
	_ = add.MarkFlagRequired("name")
	p.AddCommand(add)

	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				items, err := e.Repo.ListProducts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "SKU", "Name", "Price", "Currency", "Active"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.SKU, it.Name, it.PriceCents, it.Currency, it.Active})
				}
				tw.Render()
				return nil
			})
		},
	})
	return p
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Inspect checkout sessions"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List checkout sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				items, err := e.Repo.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Created", "Items", "Order"})
				for _, it := range items {
					orderID := ""
					if it.OrderID != nil {
						orderID = strconv.FormatInt(*it.OrderID, 10)
					}
					tw.AppendRow(table.Row{it.ID, it.Status, it.CreatedAt, len(it.LineItems), orderID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max sessions")
	s.AddCommand(list)

	s.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a checkout session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				session, err := e.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(session)
			})
		},
	})
	return s
}

func orderCmd() *cobra.Command {
	o := &cobra.Command{Use: "order", Short: "Inspect and transition orders"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				items, err := e.Repo.ListOrders(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Status", "Total", "Currency", "Updated"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Number, it.Status, it.TotalCents, it.Currency, it.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max orders")
	o.AddCommand(list)

	o.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid order id %q", args[0])
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				order, err := e.Repo.GetOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(order)
			})
		},
	})

	o.AddCommand(&cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Set order status and notify the platform",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid order id %q", args[0])
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				order, err := e.Engine.SetOrderStatus(ctx, id, args[1])
				if err != nil {
					return err
				}
				return printJSON(order)
			})
		},
	})
	return o
}

func tokenCmd() *cobra.Command {
	var sub string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token from auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				Subject:   sub,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
				SignedString([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "platform-agent", "subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				items, err := e.Repo.ListEvents(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "ID", "Payload"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.TS, it.Type, it.EntityKind, it.EntityID, it.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max events")
	return cmd
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
