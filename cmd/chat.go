package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/session"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var message string
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a solo session",
		Long: `Chat opens an interactive session against the configured default model.
Tool calls outside the auto-approve list suspend the run and prompt for
permission.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath(cfgFile))
			if err != nil {
				return err
			}
			return runChat(cfg, sessionID, message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	return cmd
}

func runChat(cfg *config.Config, sessionID, message string) error {
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(cctx); err != nil {
			logger.Warn("runtime close failed", "error", err)
		}
	}()

	sess, err := rt.sessions.Open(ctx, sessionID)
	if err != nil {
		return err
	}
	chat := &chatSession{rt: rt, sess: sess}

	if message != "" {
		text, err := chat.send(ctx, message)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	}

	fmt.Fprintf(os.Stderr, "\nLoom Chat\n")
	fmt.Fprintf(os.Stderr, "Session: %s | Model: %s\n", sess.ID(), sess.Model())
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/architect <request>\" to plan and execute\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return nil
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return nil
		}

		if rest, ok := strings.CutPrefix(input, "/architect"); ok {
			request := strings.TrimSpace(rest)
			if request == "" {
				fmt.Fprintln(os.Stderr, "Usage: /architect <request>")
				continue
			}
			if err := chat.architect(ctx, request); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			}
			continue
		}

		text, err := chat.send(ctx, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", text)
	}
}

type chatSession struct {
	rt   *runtime
	sess *session.Session
}

// send runs one exchange, prompting for every permission request until
// the reply settles.
func (c *chatSession) send(ctx context.Context, text string) (string, error) {
	reply, err := c.sess.SendMessage(ctx, text)
	if err != nil {
		return "", err
	}
	for reply.Pending != nil {
		action := askPermission(*reply.Pending)
		reply, err = c.sess.HandlePermissionResponse(ctx, reply.Pending.ID, action)
		if err != nil {
			return "", err
		}
	}
	return reply.Text, nil
}

// architect runs the plan-and-execute flow. The run suspends in place
// on permission requests, so those surface over the session topic and
// are answered from here while the call is still blocked.
func (c *chatSession) architect(ctx context.Context, request string) error {
	topic := protocol.SessionTopic(c.sess.ID())
	perms := make(chan session.PermissionRequest, 4)
	c.rt.bus.Subscribe(topic, "chat-architect", func(ev bus.Event) {
		if ev.Name != protocol.EventPermissionRequest {
			return
		}
		pr := session.PermissionRequest{}
		pr.ID, _ = ev.Payload["request_id"].(string)
		pr.Tool, _ = ev.Payload["tool"].(string)
		pr.Path, _ = ev.Payload["path"].(string)
		select {
		case perms <- pr:
		default:
		}
	})
	defer c.rt.bus.Unsubscribe(topic, "chat-architect")

	type outcome struct {
		res *session.ArchitectResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.sess.Architect(ctx, request)
		done <- outcome{res, err}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pr := <-perms:
			action := askPermission(pr)
			if _, err := c.sess.HandlePermissionResponse(ctx, pr.ID, action); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		case out := <-done:
			if out.err != nil {
				return out.err
			}
			printArchitect(out.res)
			return nil
		}
	}
}

func printArchitect(res *session.ArchitectResult) {
	fmt.Fprintf(os.Stderr, "\nPlan (%d steps):\n", len(res.Plan))
	for i, item := range res.Plan {
		fmt.Fprintf(os.Stderr, "  %d. [%s] %s: %s\n", i+1, item.Action, item.File, item.Description)
	}
	for i, step := range res.Steps {
		fmt.Printf("\nStep %d (%s):\n%s\n", i+1, step.Item.File, step.Result)
	}
	fmt.Println()
}

// askPermission prompts for one suspended tool call. Aborting the
// prompt denies.
func askPermission(req session.PermissionRequest) string {
	title := fmt.Sprintf("Allow tool %q?", req.Tool)
	if req.Path != "" {
		title = fmt.Sprintf("Allow tool %q on %s?", req.Tool, req.Path)
	}
	action := protocol.ActionDeny
	err := huh.NewSelect[string]().
		Title(title).
		Options(
			huh.NewOption("Allow once", protocol.ActionAllowOnce),
			huh.NewOption("Always allow", protocol.ActionAllowAlways),
			huh.NewOption("Deny", protocol.ActionDeny),
		).
		Value(&action).
		Run()
	if err != nil {
		return protocol.ActionDeny
	}
	return action
}
