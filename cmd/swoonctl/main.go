package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/swoon/internal/api"
	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/chat"
	"github.com/matheus3301/swoon/internal/profile"
)

const rpcTimeout = 10 * time.Second

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := profile.SocketPath(profileName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	base, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if args[0] == "watch" {
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: swoonctl watch <messages <conversation>|calls>")
			os.Exit(1)
		}
		cmdWatch(base, c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(base, rpcTimeout)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "signin":
		cmdSignIn(ctx, c, args[1:], *jsonFlag)
	case "signout":
		resp, err := c.SignOut(ctx)
		check(err)
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		fmt.Println("Signed out.")
	case "send":
		cmdSend(ctx, c, args[1:], *jsonFlag)
	case "messages":
		cmdMessages(ctx, c, args[1:], *jsonFlag)
	case "pending":
		need(args, 2, "pending <conversation>")
		resp, err := c.ListPending(ctx, &api.ListPendingRequest{ConversationID: args[1]})
		check(err)
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		if len(resp.Messages) == 0 {
			fmt.Println("No pending messages.")
			return
		}
		for _, m := range resp.Messages {
			state := "sending"
			if m.IsFailed {
				state = fmt.Sprintf("failed (%d retries): %s", m.RetryCount, m.Error)
			}
			fmt.Printf("%s  %-40s %s\n", m.TempID, truncate(m.Content, 40), state)
		}
	case "retry":
		need(args, 2, "retry <temp-id>")
		resp, err := c.RetryMessage(ctx, &api.RetryMessageRequest{TempID: args[1]})
		check(err)
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		fmt.Printf("Retry queued for %s\n", args[1])
	case "call":
		need(args, 2, "call <start|accept|decline|end|mute|video>")
		cmdCall(ctx, c, args[1], args[2:], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: swoonctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                                    Show daemon status")
	fmt.Fprintln(os.Stderr, "  signin <user-id> [access-token]           Sign in")
	fmt.Fprintln(os.Stderr, "  signout                                   Sign out")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text> [type]         Send a message")
	fmt.Fprintln(os.Stderr, "  messages <conversation> [limit]           List stored messages")
	fmt.Fprintln(os.Stderr, "  pending <conversation>                    List unconfirmed messages")
	fmt.Fprintln(os.Stderr, "  retry <temp-id>                           Retry a failed message")
	fmt.Fprintln(os.Stderr, "  watch messages <conversation>             Stream message updates")
	fmt.Fprintln(os.Stderr, "  watch calls                               Stream call events")
	fmt.Fprintln(os.Stderr, "  call start <conversation> <voice|video> <user>...")
	fmt.Fprintln(os.Stderr, "  call accept <call-id>")
	fmt.Fprintln(os.Stderr, "  call decline <call-id>")
	fmt.Fprintln(os.Stderr, "  call end")
	fmt.Fprintln(os.Stderr, "  call mute")
	fmt.Fprintln(os.Stderr, "  call video")
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.GetStatus(ctx)
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	user := "(signed out)"
	if resp.SignedIn {
		user = resp.UserID
	}
	fmt.Printf("Profile:  %s\n", resp.Profile)
	fmt.Printf("User:     %s\n", user)
	fmt.Printf("Plan:     %s\n", resp.Plan)
	fmt.Printf("Uptime:   %dms\n", resp.UptimeMs)
	fmt.Printf("Realtime: %d/%d channels connected", resp.Connection.ConnectedChannels, resp.Connection.TotalChannels)
	if resp.Connection.LastError != "" {
		fmt.Printf(" (last error: %s)", resp.Connection.LastError)
	}
	fmt.Println()
	p := resp.Pipeline
	fmt.Printf("Outbox:   %d pending, %d retrying, %d failed\n", p.Pending, p.Retrying, p.Failed)
	if resp.Call.Call != nil {
		fmt.Printf("Call:     %s\n", describeCall(*resp.Call.Call))
		fmt.Printf("          muted=%v video_off=%v\n", resp.Call.Muted, resp.Call.VideoOff)
	} else {
		fmt.Println("Call:     none")
	}
}

func cmdSignIn(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	req := &api.SignInRequest{}
	if len(args) > 0 {
		req.UserID = args[0]
	}
	if len(args) > 1 {
		req.AccessToken = args[1]
	}
	resp, err := c.SignIn(ctx, req)
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Signed in as %s\n", resp.UserID)
}

func cmdSend(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	need(args, 2, "send <conversation> <text> [type]")
	req := &api.SendMessageRequest{ConversationID: args[0], Content: args[1]}
	if len(args) > 2 {
		req.Type = chat.MessageType(args[2])
	}
	resp, err := c.SendMessage(ctx, req)
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Queued %s\n", resp.Message.TempID)
}

func cmdMessages(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	need(args, 1, "messages <conversation> [limit]")
	req := &api.ListMessagesRequest{ConversationID: args[0]}
	if len(args) > 1 {
		if _, err := fmt.Sscanf(args[1], "%d", &req.Limit); err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid limit %q\n", args[1])
			os.Exit(1)
		}
	}
	resp, err := c.ListMessages(ctx, req)
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Messages) == 0 {
		fmt.Println("No messages.")
		return
	}
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		fmt.Printf("%s  %-12s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.SenderID, m.Content)
	}
	if resp.HasMore {
		fmt.Println("(more)")
	}
}

func cmdCall(ctx context.Context, c *api.Client, sub string, args []string, jsonOut bool) {
	var (
		resp *api.CallResponse
		err  error
	)
	switch sub {
	case "start":
		need(args, 3, "call start <conversation> <voice|video> <user>...")
		resp, err = c.StartCall(ctx, &api.StartCallRequest{
			ConversationID: args[0],
			Type:           call.Type(args[1]),
			Participants:   args[2:],
		})
	case "accept":
		need(args, 1, "call accept <call-id>")
		resp, err = c.AcceptCall(ctx, args[0])
	case "decline":
		need(args, 1, "call decline <call-id>")
		resp, err = c.DeclineCall(ctx, args[0])
	case "end":
		resp, err = c.EndCall(ctx)
	case "mute", "video":
		toggle := c.ToggleMute
		label := "Muted"
		if sub == "video" {
			toggle, label = c.ToggleVideo, "Video off"
		}
		t, err := toggle(ctx)
		check(err)
		if jsonOut {
			outputJSON(t)
			return
		}
		fmt.Printf("%s: %v\n", label, t.Off)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown call subcommand: %s\n", sub)
		os.Exit(1)
	}
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Println(describeCall(resp.Call))
}

func cmdWatch(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	switch args[0] {
	case "messages":
		need(args, 2, "watch messages <conversation>")
		stream, err := c.WatchMessageUpdates(ctx, &api.WatchMessagesRequest{ConversationID: args[1]})
		check(err)
		for {
			u, err := stream.Recv()
			if done(ctx, err) {
				return
			}
			if jsonOut {
				outputJSON(u)
				continue
			}
			ref := u.Message.ID
			if u.TempID != "" {
				ref = u.TempID
			}
			fmt.Printf("%-8s %s %s\n", u.Type, ref, truncate(u.Message.Content, 60))
		}
	case "calls":
		stream, err := c.WatchCallEvents(ctx)
		check(err)
		for {
			evt, err := stream.Recv()
			if done(ctx, err) {
				return
			}
			if jsonOut {
				outputJSON(evt)
				continue
			}
			line := fmt.Sprintf("%-10s %s", evt.Kind, describeCall(evt.Call))
			if evt.Error != "" {
				line += " error: " + evt.Error
			}
			fmt.Println(line)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown watch target: %s\n", args[0])
		os.Exit(1)
	}
}

func describeCall(r call.Record) string {
	s := fmt.Sprintf("%s %s call %s [%s] with %s", r.Status, r.Type, r.ID, r.ConversationID, strings.Join(r.Participants, ", "))
	if r.Duration > 0 {
		s += fmt.Sprintf(" (%ds)", r.Duration)
	}
	return s
}

// done reports whether a stream ended, exiting on unexpected errors.
func done(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return true
	}
	check(err)
	return true
}

func check(err error) {
	if err == nil {
		return
	}
	if limit, ok := api.PlanLimitFromError(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s requires the %s plan\n", limit.Category, limit.RequiredPlan)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: swoonctl %s\n", usage)
		os.Exit(1)
	}
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
