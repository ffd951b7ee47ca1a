package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/clock"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/featuregate"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/logger"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/migration"
	obsmetrics "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/observability/metrics"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/ratelimit"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/scheduler"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/server"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/subscription"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/webhook"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/pkg/db"
	"go.uber.org/fx"
)

func main() {
	activate := flag.String("activate-license", "", "store a license key and exit")
	setup := flag.Bool("setup", false, "interactively enter a license key and exit")
	bypass := flag.Bool("debug-bypass", false, "disable all feature gating (development only)")
	flag.Parse()

	if *activate != "" {
		if err := storeLicenseKey(*activate); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if *setup {
		if err := runSetup(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if *bypass {
		os.Setenv("CONTEXTMCP_LICENSE_BYPASS", "1")
	}

	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		obsmetrics.Module,
		ratelimit.Module,
		migration.Module,

		license.Module,
		machine.Module,
		usage.Module,
		subscription.Module,
		entitlement.Module,
		featuregate.Module,
		webhook.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// storeLicenseKey shape-checks the key and persists it to .env so the
// next start picks it up. Authenticity is checked on first validation.
func storeLicenseKey(key string) error {
	key = strings.TrimSpace(key)
	codec := licensedomain.NewKeyCodec("")
	if _, err := codec.ValidateFormat(key); err != nil {
		return fmt.Errorf("license key rejected: %w", err)
	}
	if err := appendEnv("CONTEXTMCP_LICENSE_KEY", key); err != nil {
		return err
	}
	fmt.Println("license key stored")
	return nil
}

func runSetup() error {
	fmt.Print("Enter license key: ")
	reader := bufio.NewReader(os.Stdin)
	key, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	return storeLicenseKey(key)
}

func appendEnv(name, value string) error {
	f, err := os.OpenFile(".env", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s=%s\n", name, value)
	return err
}
