// main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/bookpresence/internal/app"
	"github.com/petervdpas/bookpresence/internal/config"
	"github.com/petervdpas/bookpresence/internal/proto"
	"github.com/petervdpas/bookpresence/internal/rendezvous"
)

var log = logging.Logger("main")

const configFile = "presence.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("bookpresence v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]

	switch command {
	case "client":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: client command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: bookpresence client <directory> [-book B -chapter C]")
			os.Exit(1)
		}
		runCLIClient(args[1], args[2:])

	case "server":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: server command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: bookpresence server <directory>")
			os.Exit(1)
		}
		runCLIServer(args[1])

	case "status":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: status command requires server URL")
			fmt.Fprintln(os.Stderr, "Usage: bookpresence status <url> [-password P]")
			os.Exit(1)
		}
		runCLIStatus(args[1], args[2:])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadDir resolves dir and loads (or creates) its config file.
func loadDir(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, configFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Infof("Created default config: %s", cfgPath)
	}
	return absDir, cfgPath, cfg
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIClient(dirArg string, rest []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	book := fs.String("book", "", "Book to join on start")
	chapter := fs.String("chapter", "", "Chapter to join on start")
	watch := fs.Bool("watch", true, "Reload the config file when it changes")
	_ = fs.Parse(rest)

	absDir, cfgPath, cfg := loadDir(dirArg)
	var join *proto.Membership
	if *book != "" || *chapter != "" {
		check := cfg
		check.Client.BookID, check.Client.ChapterID = *book, *chapter
		if err := check.Validate(); err != nil {
			log.Fatalf("Invalid membership: %v", err)
		}
		join = &proto.Membership{BookID: *book, ChapterID: *chapter}
	}

	printBanner("Presence Client", absDir, cfgPath)
	fmt.Printf("Endpoint:       %s\n", cfg.Client.WebSocketURL())
	fmt.Printf("User:           %s (%s)\n", cfg.Identity.Name, cfg.Identity.ID)
	if join != nil {
		fmt.Printf("Chapter:        %s/%s\n", join.BookID, join.ChapterID)
	} else if cfg.Client.BookID != "" {
		fmt.Printf("Chapter:        %s/%s\n", cfg.Client.BookID, cfg.Client.ChapterID)
	}
	fmt.Println()

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Mode:    app.ModeClient,
		Join:    join,
		Watch:   *watch,
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func runCLIServer(dirArg string) {
	absDir, cfgPath, cfg := loadDir(dirArg)

	printBanner("Presence Server", absDir, cfgPath)
	fmt.Printf("Listen:         %s:%d\n", cfg.Server.Bind, cfg.Server.Port)
	if cfg.Server.AdminPassword != "" {
		fmt.Printf("Admin:          http://%s:%d/presence.json\n", cfg.Server.Bind, cfg.Server.Port)
	}
	fmt.Println()

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Mode:    app.ModeServer,
	}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func runCLIStatus(url string, rest []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	password := fs.String("password", os.Getenv("BOOKPRESENCE_ADMIN_PASSWORD"), "Admin password")
	_ = fs.Parse(rest)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := rendezvous.NewClient(url, *password)
	if err := c.Healthy(ctx); err != nil {
		log.Fatalf("Server not healthy: %v", err)
	}
	p, err := c.Presence(ctx)
	if err != nil {
		log.Fatalf("Failed to fetch presence: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(p)
}

func showUsage() {
	fmt.Println("bookpresence - chapter presence for collaborative book editing")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  bookpresence client <directory> [-book B -chapter C]")
	fmt.Println("  bookpresence server <directory>")
	fmt.Println("  bookpresence status <url> [-password P]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  client <directory>")
	fmt.Println("        Connect as the identity in <directory>/presence.json, join the")
	fmt.Println("        given chapter and print presence updates until interrupted")
	fmt.Println()
	fmt.Println("  server <directory>")
	fmt.Println("        Run the presence server configured in <directory>/presence.json")
	fmt.Println()
	fmt.Println("  status <url>")
	fmt.Println("        Print a running server's presence map (needs the admin password)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func printBanner(title, dir, cfgPath string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Printf("║ %-54s ║\n", "bookpresence · "+title)
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
}
