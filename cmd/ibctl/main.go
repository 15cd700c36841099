// Command ibctl lists and switches input_boolean helpers over the
// WebSocket API.
//
//	ibctl [-url ws://host:8123/api/websocket] [-token T] states [entity_id...]
//	ibctl on|off|toggle <entity_id>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"homehelpers/internal/ha"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const domain = "input_boolean"

func main() {
	// A missing .env is fine
	_ = godotenv.Load()

	url := flag.String("url", envOr("HH_URL", "ws://localhost:8123/api/websocket"), "WebSocket API URL")
	token := flag.String("token", os.Getenv("HH_ACCESS_TOKEN"), "access token")
	verbose := flag.Bool("v", false, "log client activity")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := connectAndRun(ctx, *url, *token, logger, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ibctl: %v\n", err)
		os.Exit(1)
	}
}

func connectAndRun(ctx context.Context, url, token string, logger *zap.Logger, cmd string, args []string) error {
	client, err := ha.Dial(ctx, url, token, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	return run(ctx, client, os.Stdout, cmd, args)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ibctl [flags] states [entity_id...]\n")
	fmt.Fprintf(os.Stderr, "       ibctl [flags] on|off|toggle <entity_id>\n\n")
	flag.PrintDefaults()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var services = map[string]string{
	"on":     ha.ServiceTurnOn,
	"off":    ha.ServiceTurnOff,
	"toggle": ha.ServiceToggle,
}

func run(ctx context.Context, client ha.HAClient, out io.Writer, cmd string, args []string) error {
	switch cmd {
	case "states":
		return printStates(ctx, client, out, args)

	case "on", "off", "toggle":
		if len(args) != 1 {
			return fmt.Errorf("%s needs exactly one entity id", cmd)
		}
		entityID := domain + "." + objectID(args[0])

		// Fail on unknown helpers; the service itself ignores them
		if _, err := client.State(ctx, entityID); err != nil {
			return err
		}

		hctx, err := client.CallService(ctx, domain, services[cmd], map[string]interface{}{
			ha.AttrEntityID: entityID,
		})
		if err != nil {
			return err
		}

		state, err := client.State(ctx, entityID)
		if err != nil {
			return err
		}
		if hctx == nil || state.Context == nil || state.Context.ID != hctx.ID {
			fmt.Fprintf(out, "%s already %s\n", entityID, state.State)
			return nil
		}
		return writeTable(out, []*ha.State{state})

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// objectID accepts either input_boolean.<id> or a bare object id
func objectID(arg string) string {
	return strings.TrimPrefix(strings.ToLower(arg), domain+".")
}

func printStates(ctx context.Context, client ha.HAClient, out io.Writer, entityIDs []string) error {
	var states []*ha.State
	if len(entityIDs) == 0 {
		all, err := client.States(ctx)
		if err != nil {
			return err
		}
		for _, s := range all {
			if s.Domain() == domain {
				states = append(states, s)
			}
		}
	} else {
		for _, id := range entityIDs {
			if !strings.Contains(id, ".") {
				id = domain + "." + id
			}
			s, err := client.State(ctx, strings.ToLower(id))
			if err != nil {
				return err
			}
			states = append(states, s)
		}
	}
	return writeTable(out, states)
}

func writeTable(out io.Writer, states []*ha.State) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tSTATE\tNAME\tUSER")
	for _, s := range states {
		name, _ := s.Attributes[ha.AttrFriendlyName].(string)
		user := ""
		if s.Context != nil {
			user = s.Context.UserID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.EntityID, s.State, name, user)
	}
	return w.Flush()
}
