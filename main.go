// Command card-provisioning talks to a secure-element card in a PC/SC reader
// and to the cloud orchestration service: it identifies the card, delivers
// services to it, and runs raw provisioning recipes.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ebfe/scard"
	"github.com/urfave/cli/v2"

	"github.com/gregLibert/card-provisioning/pkg/api"
	"github.com/gregLibert/card-provisioning/pkg/cardid"
	"github.com/gregLibert/card-provisioning/pkg/delivery"
	"github.com/gregLibert/card-provisioning/pkg/iso7816"
)

func main() {
	app := &cli.App{
		Name:  "card-provisioning",
		Usage: "identify secure-element cards and deliver services to them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "app-id",
				Usage:   "application id (4 bytes, hex)",
				EnvVars: []string{"CARD_APP_ID"},
			},
			&cli.StringFlag{
				Name:    "app-key",
				Usage:   "application key (16 bytes, hex)",
				EnvVars: []string{"CARD_APP_KEY"},
			},
			&cli.StringFlag{
				Name:    "url",
				Usage:   "orchestration service base URL",
				EnvVars: []string{api.EnvBaseURL},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log protocol details",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "dump HTTP traffic to stderr",
			},
		},
		Commands: []*cli.Command{
			cardInfoCommand(),
			deliverCommand(),
			runRecipesCommand(),
			relayCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch delivery.KindOf(err) {
	case delivery.KindCancelled:
		return 2
	case delivery.KindTimeout:
		return 3
	default:
		return 1
	}
}

func newLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newAPIClient(c *cli.Context, log *slog.Logger) (*api.Client, error) {
	cfg := api.Config{
		BaseURL: c.String("url"),
		AppID:   c.String("app-id"),
		AppKey:  c.String("app-key"),
		Log:     log,
	}
	if c.Bool("trace") {
		cfg.Dump = os.Stderr
	}
	return api.NewClient(cfg)
}

// withCard establishes the PC/SC context, connects to the first reader
// holding a card, and hands the connection to fn. Release and disconnect are
// handled on every path.
func withCard(fn func(card *scard.Card) error) error {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("establishing PC/SC context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		return errors.New("no smart card reader found")
	}

	// T=0 or T=1, whichever the reader negotiates.
	card, err := ctx.Connect(readers[0], scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		return fmt.Errorf("connecting to card in %s: %w", readers[0], err)
	}
	defer card.Disconnect(scard.LeaveCard)

	return fn(card)
}

// identify probes the card and resolves its identity, consulting the server
// fallback when the card itself carries no usable batch marker.
func identify(ctx context.Context, client *api.Client, card *scard.Card, log *slog.Logger) (*cardid.Identity, error) {
	results, err := cardid.Probe(iso7816.NewClient(card))
	if err != nil {
		return nil, fmt.Errorf("probing card: %w", err)
	}
	identity, ok := cardid.Detect(ctx, results, client)
	if !ok {
		return nil, errors.New("not a supported card")
	}
	log.Debug("card identified",
		"cin", hex.EncodeToString(identity.CIN),
		"batchId", identity.BatchID,
		"batched", identity.Batched)
	return identity, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cardInfoCommand() *cli.Command {
	return &cli.Command{
		Name:  "card-info",
		Usage: "show the identity and installed applications of the card",
		Action: func(c *cli.Context) error {
			log := newLogger(c)
			client, err := newAPIClient(c, log)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			return withCard(func(card *scard.Card) error {
				identity, err := identify(ctx, client, card, log)
				if err != nil {
					return err
				}

				fmt.Printf("CIN:      %s\n", hex.EncodeToString(identity.CIN))
				if len(identity.UID) > 0 {
					fmt.Printf("UID:      %s\n", hex.EncodeToString(identity.UID))
				}
				fmt.Printf("Platform: %s\n", identity.Platform())
				if identity.Batched {
					fmt.Printf("Batch:    %d\n", identity.BatchID)
				} else {
					fmt.Printf("Batch:    unknown (resolved via service)\n")
				}

				apps, err := cardid.ListApps(iso7816.NewClient(card))
				if err != nil {
					return fmt.Errorf("listing applications: %w", err)
				}
				if len(apps) == 0 {
					fmt.Println("No applications installed.")
					return nil
				}
				fmt.Println("Applications:")
				for _, app := range apps {
					fmt.Printf("  %s\n", hex.EncodeToString(app))
				}
				return nil
			})
		},
	}
}

func deliverCommand() *cli.Command {
	return &cli.Command{
		Name:      "deliver",
		Usage:     "deliver a service to the card",
		ArgsUsage: "<appId> <serviceId>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "field",
				Usage: "prefill a form field as id=value (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "session deadline",
				Value: delivery.DefaultTimeout,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("expected arguments: <appId> <serviceId>")
			}
			appID, serviceID := c.Args().Get(0), c.Args().Get(1)

			log := newLogger(c)
			client, err := newAPIClient(c, log)
			if err != nil {
				return err
			}
			forms := newConsoleForms(c.StringSlice("field"))

			ctx, cancel := signalContext()
			defer cancel()

			return withCard(func(card *scard.Card) error {
				identity, err := identify(ctx, client, card, log)
				if err != nil {
					return err
				}

				session := delivery.NewSession(client, card, identity, forms, log)
				session.SetTimeout(c.Duration("timeout"))

				result, err := session.Deliver(ctx, appID, serviceID)
				if err != nil {
					return err
				}
				fmt.Println(result)
				if !result.Success {
					return cli.Exit("", 1)
				}
				return nil
			})
		},
	}
}

func runRecipesCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run raw provisioning recipes against the card, in order",
		ArgsUsage: "<recipe.json>...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("expected at least one recipe file")
			}

			recipes := make([]json.RawMessage, 0, c.NArg())
			for _, path := range c.Args().Slice() {
				raw, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if !json.Valid(raw) {
					return fmt.Errorf("%s is not valid JSON", path)
				}
				recipes = append(recipes, raw)
			}

			log := newLogger(c)
			client, err := newAPIClient(c, log)
			if err != nil {
				return err
			}
			forms := newConsoleForms(nil)

			ctx, cancel := signalContext()
			defer cancel()

			return withCard(func(card *scard.Card) error {
				identity, err := identify(ctx, client, card, log)
				if err != nil {
					return err
				}
				return delivery.DeliverRecipes(ctx, client, card, identity, forms, log, recipes)
			})
		},
	}
}

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:      "relay",
		Usage:     "relay APDUs for a delivery pushed over a WebSocket endpoint",
		ArgsUsage: "<wss-url>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected argument: <wss-url>")
			}

			log := newLogger(c)
			client, err := newAPIClient(c, log)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			return withCard(func(card *scard.Card) error {
				session := delivery.NewWsSession(card, log)
				result, err := session.Run(ctx, c.Args().First(), client.AuthHeader())
				if err != nil {
					return err
				}
				fmt.Println(result)
				if !result.Success {
					return cli.Exit("", 1)
				}
				return nil
			})
		},
	}
}

// consoleForms answers form requests on the terminal. Prefilled values from
// the command line are consumed without prompting.
type consoleForms struct {
	prefilled map[string]string
	in        *bufio.Reader
}

func newConsoleForms(prefill []string) *consoleForms {
	values := make(map[string]string, len(prefill))
	for _, pair := range prefill {
		id, value, found := strings.Cut(pair, "=")
		if found {
			values[id] = value
		}
	}
	return &consoleForms{prefilled: values, in: bufio.NewReader(os.Stdin)}
}

func (f *consoleForms) ProcessForm(fields []delivery.Field) (map[string]delivery.Field, error) {
	result := make(map[string]delivery.Field, len(fields))
	for _, field := range fields {
		if value, ok := f.prefilled[field.ID]; ok {
			field.Value = value
			result[field.ID] = field
			continue
		}

		switch field.Type {
		case delivery.FieldText, delivery.FieldImage:
			// Display-only fields.
			fmt.Println(field.Label)
			field.Value = ""
		case delivery.FieldPaymentCard:
			fmt.Printf("%s (PAN;MM/YY;CVV): ", field.Label)
			value, err := f.readLine()
			if err != nil {
				return nil, err
			}
			field.Value = value
		default:
			prompt := field.Label
			if len(field.Labels) > 0 {
				prompt += " (" + strings.Join(field.Labels, ", ") + ")"
			}
			fmt.Printf("%s: ", prompt)
			value, err := f.readLine()
			if err != nil {
				return nil, err
			}
			field.Value = value
		}
		result[field.ID] = field
	}
	return result, nil
}

func (f *consoleForms) Confirm(messages ...string) error {
	for _, message := range messages {
		fmt.Println(message)
	}
	fmt.Print("Press ENTER to continue")
	_, err := f.readLine()
	return err
}

func (f *consoleForms) readLine() (string, error) {
	line, err := f.in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
