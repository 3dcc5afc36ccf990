// Command vncctl is the operator CLI for the VNC session provisioner.
// It drives the provisioner's HTTP API: session listing and lookup,
// provisioning and removal, and the provisioning history.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"vncprov/pkg/protocol"

	"github.com/spf13/pflag"
)

const version = "1.0.0"

func main() {
	flags := pflag.NewFlagSet("vncctl", pflag.ContinueOnError)
	apiURL := flags.String("api", envOr("VNCCTL_API", protocol.DefaultAPIURL), "provisioner API URL (env VNCCTL_API)")
	timeout := flags.Duration("timeout", 5*time.Minute, "request timeout")
	deleteUser := flags.Bool("delete-user", false, "deprovision: also delete the account and its home directory")
	limit := flags.Int("limit", 0, "history: show only the last N entries")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "vncctl v%s - VNC session provisioner control\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: vncctl [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  users                  List sessions\n")
		fmt.Fprintf(os.Stderr, "  show <name>            Show a session and how to connect\n")
		fmt.Fprintf(os.Stderr, "  provision              Create the next session\n")
		fmt.Fprintf(os.Stderr, "  deprovision <name>     Remove a session (--delete-user to drop the account)\n")
		fmt.Fprintf(os.Stderr, "  health                 Check the API is up\n")
		fmt.Fprintf(os.Stderr, "  history                View provisioning history\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if flags.NArg() < 1 {
		flags.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := NewClient(*apiURL)
	command := flags.Arg(0)

	switch command {
	case "users":
		users, err := client.Users(ctx)
		if err != nil {
			fatal("users: %v", err)
		}
		printUsers(os.Stdout, users)
	case "show":
		if flags.NArg() < 2 {
			fatal("show requires a session name")
		}
		u, err := client.User(ctx, flags.Arg(1))
		if err != nil {
			fatal("show: %v", err)
		}
		printUser(os.Stdout, u)
	case "provision":
		u, err := client.Provision(ctx)
		if err != nil {
			fatal("provision: %v", err)
		}
		fmt.Printf("Provisioned %s (display :%d, port %d, running=%v)\n",
			u.Username, u.DisplayNumber, u.VNCPort, u.Running)
	case "deprovision":
		if flags.NArg() < 2 {
			fatal("deprovision requires a session name")
		}
		msg, err := client.Deprovision(ctx, flags.Arg(1), *deleteUser)
		if err != nil {
			fatal("deprovision: %v", err)
		}
		fmt.Println(msg)
	case "health":
		h, err := client.Health(ctx)
		if err != nil {
			fatal("health: %v", err)
		}
		fmt.Printf("Status: %s (%s)\n", h.Status, h.Timestamp)
	case "history":
		entries, err := client.History(ctx, *limit)
		if err != nil {
			fatal("history: %v", err)
		}
		printHistory(os.Stdout, entries)
	default:
		fatal("unknown command: %s", command)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsers(out io.Writer, users []protocol.User) {
	if len(users) == 0 {
		fmt.Fprintln(out, "No sessions")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tDISPLAY\tPORT\tRUNNING")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t:%d\t%d\t%v\n", u.Username, u.DisplayNumber, u.VNCPort, u.Running)
	}
	w.Flush()
}

func printUser(out io.Writer, u *protocol.UserResponse) {
	fmt.Fprintf(out, "Username: %s\n", u.User.Username)
	fmt.Fprintf(out, "Display:  :%d\n", u.User.DisplayNumber)
	fmt.Fprintf(out, "Running:  %v\n", u.User.Running)
	fmt.Fprintf(out, "Connect:  %s://%s:%d\n", u.Connection.Type, u.Connection.Hostname, u.Connection.Port)
}

func printHistory(out io.Writer, entries []protocol.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No provisioning history")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tOPERATION\tSESSION\tRESULT\tDURATION")
	for _, e := range entries {
		timestamp := e.Timestamp
		if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			timestamp = t.Local().Format("2006-01-02 15:04:05")
		}

		result := "ok"
		if !e.Success {
			result = "failed"
			if e.Step != "" {
				result += " at " + e.Step
			}
		}

		duration := ""
		if e.Duration > 0 {
			duration = fmt.Sprintf("%.0fms", e.Duration)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", timestamp, e.Operation, e.Session, result, duration)
	}
	w.Flush()
}
