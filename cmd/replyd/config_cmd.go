package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/replyd/internal/config"
)

func runConfigCheck(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
		return 1
	}

	warnings := configWarnings(cfg)
	for _, w := range warnings {
		fmt.Printf("WARN: %s\n", w)
	}
	fmt.Printf("Config: %s\n", cfg.SourcePath)
	fmt.Println("Status: Configuration check PASSED.")
	return 0
}

// configWarnings lists settings that load fine but leave the service
// unable to do its job.
func configWarnings(cfg *config.Config) []string {
	appSecret, allowUnverified := cfg.Webhook.AppSecret, cfg.Webhook.AllowUnverified
	var out []string
	switch {
	case appSecret == "" && !allowUnverified:
		out = append(out, "webhook.app_secret is empty: every delivery will be rejected")
	case appSecret == "" && allowUnverified:
		out = append(out, "webhook.app_secret is empty and allow_unverified is on: deliveries are not authenticated")
	case allowUnverified:
		out = append(out, "webhook.allow_unverified is on: mis-signed deliveries are processed")
	}
	if cfg.Webhook.VerifyToken == "" {
		out = append(out, "webhook.verify_token is empty: subscription handshakes will fail")
	}
	if cfg.Platform.AccessToken == "" {
		out = append(out, "platform.access_token is empty: replies and profile lookups are disabled")
	}
	if cfg.API.Enabled && cfg.API.APIKey == "" {
		out = append(out, "api.api_key is empty: guarded ops endpoints reject every request")
	}
	return out
}

func runConfigLock(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	common.register(fs)
	dryRun := fs.Bool("dry-run", false, "Show the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report, err := config.LockConfig(common.configPath, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("%s  %s\n", report.Hash, report.ConfigPath)
	if report.Written {
		fmt.Printf("Wrote %s\n", report.ChecksumPath)
	} else {
		fmt.Println("Dry run: nothing written")
	}
	return 0
}
