// Command provisioner serves the VNC session provisioning API.
//
// Usage:
//
//	provisioner [--config FILE] [--listen ADDR]
//	provisioner reveal --identity KEYFILE [--config FILE] SESSION
//	provisioner config [--config FILE]
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vncprov/internal/config"
	"vncprov/internal/server"
	"vncprov/internal/vault"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "provisioner: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "reveal":
			return runReveal(args[1:])
		case "config":
			return runConfig(args[1:])
		case "serve":
			args = args[1:]
		}
	}
	return runServe(args)
}

func configFlag(fs *pflag.FlagSet) *string {
	return fs.StringP("config", "c", os.Getenv("VNCPROV_CONFIG"), "path to the YAML config file (env VNCPROV_CONFIG)")
}

func runServe(args []string) error {
	fs := pflag.NewFlagSet("provisioner", pflag.ContinueOnError)
	configPath := configFlag(fs)
	listen := fs.String("listen", "", "listen address, overrides the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger := log.New(os.Stdout, "[provisioner] ", log.LstdFlags|log.Lmsgprefix)

	srv, err := server.NewServer(server.Config{
		Settings:   cfg,
		ConfigPath: *configPath,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil {
		return err
	}
	<-stopped
	return nil
}

func runReveal(args []string) error {
	fs := pflag.NewFlagSet("provisioner reveal", pflag.ContinueOnError)
	configPath := configFlag(fs)
	identityPath := fs.StringP("identity", "i", "", "age identity file holding a private key for one of the vault recipients")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: provisioner reveal --identity KEYFILE [--config FILE] SESSION\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("reveal takes exactly one session name")
	}
	if *identityPath == "" {
		return fmt.Errorf("--identity is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Vault.Enabled() {
		return fmt.Errorf("no vault configured; sessions use the shared password")
	}

	v, err := vault.New(vault.Config{
		Dir:        cfg.Vault.Dir,
		Recipients: cfg.Vault.Recipients,
		Logger:     log.New(os.Stderr, "[vault] ", log.LstdFlags|log.Lmsgprefix),
	})
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	identities, err := vault.LoadIdentities(*identityPath)
	if err != nil {
		return err
	}

	password, err := v.Reveal(fs.Arg(0), identities...)
	if err != nil {
		return fmt.Errorf("reveal %s: %w", fs.Arg(0), err)
	}
	fmt.Println(password)
	return nil
}

// runConfig prints the effective configuration with secrets redacted.
func runConfig(args []string) error {
	fs := pflag.NewFlagSet("provisioner config", pflag.ContinueOnError)
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provision.SharedPassword != "" {
		cfg.Provision.SharedPassword = "<redacted>"
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	os.Stdout.Write(out)
	return nil
}
