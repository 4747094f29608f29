package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/decred/slog"

	"github.com/bigspider/rpsledger/client"
	"github.com/bigspider/rpsledger/rpsgame"
)

const usage = `usage: rpsclient [flags] <command>

commands:
  state             print the current ledger state
  register          enter the game (pays price + bond)
  commit <move>     commit to rock, paper or scissors
  reveal            open the stored commitment
  abort             abort a stalled game after the timeout
  forfeit           claim victory against a non-revealing opponent
  watch             follow the ledger and print state changes
`

func realMain() error {
	fs := flag.NewFlagSet("rpsclient", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8985", "ledger server base URL")
	datadir := fs.String("datadir", defaultDataDir(), "local data directory")
	debug := fs.String("debug", "info", "log level")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}

	log := slog.NewBackend(os.Stderr).Logger("RPSC")
	if lvl, ok := slog.LevelFromString(*debug); ok {
		log.SetLevel(lvl)
	}

	account, err := client.LoadOrCreateAccount(*datadir)
	if err != nil {
		return err
	}

	c, err := client.NewClient(client.ClientCfg{ServerAddr: *addr, Log: log})
	if err != nil {
		return err
	}
	secrets, err := client.OpenSecretStore(filepath.Join(*datadir, "secrets.db"))
	if err != nil {
		return err
	}
	defer secrets.Close()

	sync, err := client.NewStateSync(client.StateSyncCfg{
		Client:   c,
		Secrets:  secrets,
		Accounts: client.StaticAccount(account),
		Log:      log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One synchronous load so every command acts on fresh state.
	sync.ReloadState(ctx, true)
	if v := sync.View(); !v.Ready {
		return fmt.Errorf("cannot reach ledger at %s", *addr)
	}

	switch cmd := fs.Arg(0); cmd {
	case "state":
		printView(sync)
		return nil
	case "register":
		if err := sync.Register(ctx); err != nil {
			return err
		}
		printView(sync)
		return nil
	case "commit":
		if fs.NArg() < 2 {
			return fmt.Errorf("commit needs a move: rock, paper or scissors")
		}
		choice, err := parseChoice(fs.Arg(1))
		if err != nil {
			return err
		}
		if err := sync.CommitMove(ctx, choice); err != nil {
			return err
		}
		printView(sync)
		return nil
	case "reveal":
		if err := sync.RevealMove(ctx); err != nil {
			return err
		}
		printView(sync)
		return nil
	case "abort":
		if err := sync.AbortGame(ctx); err != nil {
			return err
		}
		printView(sync)
		return nil
	case "forfeit":
		if err := sync.ForfeitGame(ctx); err != nil {
			return err
		}
		printView(sync)
		return nil
	case "watch":
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-sync.UpdatesCh:
					printView(sync)
				}
			}
		}()
		err := sync.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseChoice(s string) (rpsgame.Choice, error) {
	switch strings.ToLower(s) {
	case "rock":
		return rpsgame.Rock, nil
	case "paper":
		return rpsgame.Paper, nil
	case "scissors":
		return rpsgame.Scissors, nil
	}
	return 0, fmt.Errorf("unknown move %q", s)
}

func printView(sync *client.StateSync) {
	v := sync.View()
	g := v.Game

	fmt.Printf("game %d, phase %s\n", g.GameNumber, g.Phase)
	slot := g.PlayerSlot(v.Account)
	if slot >= 0 {
		fmt.Printf("you are player #%d\n", slot+1)
	} else {
		fmt.Println("you are not registered for this game")
	}
	for i := 0; i < 2; i++ {
		if g.Players[i] == "" {
			fmt.Printf("  slot %d: empty\n", i)
			continue
		}
		status := "registered"
		switch {
		case g.Revealed[i]:
			status = "revealed " + g.Choices[i].String()
		case g.Committed[i]:
			status = "committed"
		}
		fmt.Printf("  slot %d: %s (%s)\n", i, g.Players[i], status)
	}
	if sync.CanAbort() {
		fmt.Println("timeout reached: you can abort the game")
	}
	if sync.CanForfeit() {
		fmt.Println("opponent failed to reveal in time: you can claim victory")
	}
	if last := v.LastGame; last != nil {
		if last.Winner == rpsgame.NoWinner {
			fmt.Printf("last game (%d): draw (%s)\n", last.GameNumber, last.Reason)
		} else {
			fmt.Printf("last game (%d): player #%d won (%s)\n",
				last.GameNumber, last.Winner+1, last.Reason)
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rpsclient"
	}
	return filepath.Join(home, ".rpsclient")
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
