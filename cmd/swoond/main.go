// Command swoond serves one swoon profile over a unix socket until
// interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/matheus3301/swoon/internal/daemon"
	"github.com/matheus3301/swoon/internal/lock"
	"github.com/matheus3301/swoon/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	socketFlag := flag.String("socket", "", "unix socket path (default <profile dir>/daemon.sock)")
	stopTimeout := flag.Duration("stop-timeout", 15*time.Second, "time allowed to end calls and flush the outbox on shutdown")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fail(err)
	}
	if *socketFlag == "" {
		if err := profile.CheckSocketPath(profileName); err != nil {
			fail(err)
		}
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, SocketPath: *socketFlag}),
		fx.StopTimeout(*stopTimeout),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "swoond: profile %q is already running (pid %d)\n", profileName, held.PID)
			os.Exit(2)
		}
		fail(err)
	}

	sig := <-app.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		fail(err)
	}
	os.Exit(sig.ExitCode)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "swoond: %v\n", err)
	os.Exit(1)
}
