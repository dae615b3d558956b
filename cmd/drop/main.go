// Drop: CLI entry point.
//
// This tool sends files peer to peer over a WebRTC DataChannel. A signaling
// server (drop-signal) introduces the two users and remembers how far each
// transfer got, so an interrupted transfer resumes where it stopped. File
// bytes never pass through the server.
//
// It can be launched interactively (no subcommand) or non-interactively:
//
//	drop [flags] send -to <user> <file>...
//	drop [flags] receive [-out dir] [-stdout] [-memory] [-yes]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/drop/internal/config"
	"github.com/1ureka/drop/internal/discovery"
	"github.com/1ureka/drop/internal/relay"
	"github.com/1ureka/drop/internal/storage"
	"github.com/1ureka/drop/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Global flags.
	configPath := flag.String("config", "", "JSON config file")
	userFlag := flag.String("user", "", "Your user id (default $DROP_USER)")
	signalFlag := flag.String("signal", "", "Signaling server URL, e.g. ws://host:8787/ws")
	relayFlag := flag.String("relay", "", "Relay credential URL, or 'auto' to ask the signaling server")
	discoverFlag := flag.Bool("discover", false, "Find the signaling server on the local network")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *userFlag != "" {
		cfg.UserID = *userFlag
	}
	if *signalFlag != "" {
		cfg.SignalURL = *signalFlag
	}

	args := flag.Args()
	mode := ""
	if len(args) > 0 {
		mode, args = args[0], args[1:]
	}

	// Stdout may carry the file itself; move everything else off it first.
	var recvOpts receiveOptions
	var sendOpts sendOptions
	switch config.Role(mode) {
	case config.RoleSender:
		sendOpts = parseSendFlags(args)
	case config.RoleReceiver:
		recvOpts = parseReceiveFlags(args)
		if recvOpts.stdout {
			util.LogToStderr()
		}
	case "":
	default:
		usage()
		os.Exit(2)
	}

	pterm.Info.Println(fmt.Sprintf("Drop — v%s", version))
	pterm.Println()

	if *discoverFlag {
		found, err := discovery.Find(ctx, discovery.Config{})
		if err != nil {
			util.LogError("discover signaling server: %v", err)
			os.Exit(1)
		}
		cfg.SignalURL = found.URL()
		util.LogInfo("found signaling server %q at %s", found.Instance, cfg.SignalURL)
	}
	if *relayFlag == "auto" {
		if cfg.RelayURL, err = relay.EndpointFor(cfg.SignalURL); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	} else if *relayFlag != "" {
		cfg.RelayURL = *relayFlag
	}

	switch config.Role(mode) {
	case "":
		err = runInteractive(ctx, cfg)
	case config.RoleSender:
		err = runSend(ctx, cfg, sendOpts)
	case config.RoleReceiver:
		err = runReceive(ctx, cfg, recvOpts)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("bye")
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage:\n")
	fmt.Fprintf(out, "  drop [flags]                               interactive mode\n")
	fmt.Fprintf(out, "  drop [flags] send -to <user> <file>...\n")
	fmt.Fprintf(out, "  drop [flags] receive [-out dir] [-stdout] [-memory] [-yes]\n\n")
	fmt.Fprintf(out, "Flags:\n")
	flag.PrintDefaults()
}

// loadConfig reads the config file, then DROP_* overrides.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Subcommand flags
// ---------------------------------------------------------------------------

type sendOptions struct {
	to    string
	files []string
}

func parseSendFlags(args []string) sendOptions {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "Receiver user id")
	fs.Parse(args)

	opts := sendOptions{to: *to, files: fs.Args()}
	if opts.to == "" || len(opts.files) == 0 {
		util.LogError("send needs -to <user> and at least one file")
		os.Exit(2)
	}
	return opts
}

type receiveOptions struct {
	out        string
	stdout     bool
	memoryOnly bool
	yes        bool
}

func parseReceiveFlags(args []string) receiveOptions {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	out := fs.String("out", "", "Download directory (default from config)")
	stdout := fs.Bool("stdout", false, "Write the received file to stdout")
	memoryOnly := fs.Bool("memory", false, "Keep received files in memory only (no disk writes)")
	yes := fs.Bool("yes", false, "Accept every incoming transfer without asking")
	fs.Parse(args)

	return receiveOptions{out: *out, stdout: *stdout, memoryOnly: *memoryOnly, yes: *yes}
}

// capabilities maps the receive flags onto the storage strategies offered.
func (o receiveOptions) capabilities(cfg config.Config) storage.Capabilities {
	caps := storage.Capabilities{
		MemoryCeiling:    cfg.MemoryCeiling,
		CompactHighWater: cfg.CompactHighWater,
	}
	switch {
	case o.stdout:
		caps.Target = storage.StdoutTarget
	case o.memoryOnly:
	default:
		dir := o.out
		if dir == "" {
			dir = cfg.DownloadDir
		}
		caps.Paths = storage.DirPicker{Dir: dir}
	}
	return caps
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and its parameters.
func runInteractive(ctx context.Context, cfg config.Config) error {
	if cfg.UserID == "" {
		cfg.UserID = askText("Your user id")
	}

	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Send    — Send a file to someone", "Receive — Wait for incoming files"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if strings.HasPrefix(role, "Send") {
		to := askText("Receiver user id")
		path := askFile()
		return runSend(ctx, cfg, sendOptions{to: to, files: []string{path}})
	}
	return runReceive(ctx, cfg, receiveOptions{})
}

// runSend offers every file to the receiver and waits until all finish.
func runSend(ctx context.Context, cfg config.Config, opts sendOptions) error {
	a, err := startApp(ctx, cfg, storage.Capabilities{})
	if err != nil {
		return err
	}
	defer a.close()

	var ids []string
	for _, path := range opts.files {
		id, err := a.send(ctx, path, opts.to)
		if err != nil {
			util.LogError("%s: %v", filepath.Base(path), err)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return errors.New("nothing to send")
	}

	util.LogInfo("waiting for %s to accept...", opts.to)
	failed := a.waitAll(ctx, ids)
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers did not complete", failed, len(ids))
	}
	return nil
}

// runReceive accepts incoming transfers until Ctrl+C. With -stdout it stops
// after the first file.
func runReceive(ctx context.Context, cfg config.Config, opts receiveOptions) error {
	a, err := startApp(ctx, cfg, opts.capabilities(cfg))
	if err != nil {
		return err
	}
	defer a.close()

	util.LogInfo("ready to receive as %q", cfg.UserID)
	for {
		select {
		case in := <-a.incoming:
			if !opts.yes && !confirm(in.FileName, in.FileSize, in.SenderID, in.ResumeFrom) {
				a.manager.RejectTransfer(in.TransferID)
				continue
			}
			id, err := a.manager.AcceptTransfer(ctx, in)
			if err != nil {
				util.LogError("accept %s: %v", in.FileName, err)
				continue
			}
			if opts.stdout {
				if a.waitAll(ctx, []string{id}) > 0 {
					return errors.New("transfer did not complete")
				}
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// confirm asks whether to accept an incoming file.
func confirm(name string, size int64, from string, resumeFrom int) bool {
	msg := fmt.Sprintf("Accept %s (%s) from %s?", name, strings.TrimSpace(util.FormatBytes(float64(size))), from)
	if resumeFrom > 0 {
		msg = fmt.Sprintf("Resume %s (%s) from %s at chunk %d?", name, strings.TrimSpace(util.FormatBytes(float64(size))), from, resumeFrom)
	}
	ok, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText(msg).
		WithDefaultValue(true).
		Show()
	pterm.Println()
	return ok
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}

		util.LogWarning("a value is required")
		pterm.Println()
	}
}

// askFile prompts until an existing regular file is entered.
func askFile() string {
	for {
		path := askText("File to send")
		info, err := os.Stat(path)
		if err == nil && info.Mode().IsRegular() {
			return path
		}
		util.LogWarning("not a readable file: %s", path)
	}
}
